package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

func testStore(t *testing.T) *repository.Store {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return repository.NewStoreWithDB(database)
}

func TestNewDefaultsInterval(t *testing.T) {
	r, err := New(testStore(t), zap.NewNop(), 0)
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, r.interval)

	r, err = New(testStore(t), zap.NewNop(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, r.interval)
}

func TestSweepDeletesExpiredRows(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	user := &db.User{}
	require.NoError(t, store.Users.Create(ctx, user))

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	dead := &db.Session{UserID: user.ID, ExpirationTime: past}
	require.NoError(t, store.Sessions.Create(ctx, dead))
	live := &db.Session{UserID: user.ID, ExpirationTime: future}
	require.NoError(t, store.Sessions.Create(ctx, live))

	// The dead session's refresh token becomes an orphan once the session
	// is swept.
	require.NoError(t, store.RefreshTokens.Create(ctx, &db.RefreshToken{
		SessionID:      dead.ID,
		ExpirationTime: future,
	}))
	keptToken := &db.RefreshToken{SessionID: live.ID, ExpirationTime: future}
	require.NoError(t, store.RefreshTokens.Create(ctx, keptToken))

	deadVerifier := &db.Verifier{ExpirationTime: past}
	require.NoError(t, store.Verifiers.Create(ctx, deadVerifier))
	liveVerifier := &db.Verifier{ExpirationTime: future}
	require.NoError(t, store.Verifiers.Create(ctx, liveVerifier))

	account := &db.Account{UserID: user.ID, Provider: "email", ProviderAccountID: "reap@example.com"}
	require.NoError(t, store.Accounts.Create(ctx, account))
	require.NoError(t, store.VerificationCodes.Create(ctx, &db.VerificationCode{
		AccountID:      account.ID,
		Provider:       "email",
		Code:           "dead-code",
		ExpirationTime: past,
	}))

	require.NoError(t, store.Devices.Create(ctx, &db.DeviceAuthorization{
		DeviceCodeHash: "deadbeef",
		UserCode:       "XXXX-XXXX",
		ExpiresAt:      past,
	}))

	r, err := New(store, zap.NewNop(), time.Minute)
	require.NoError(t, err)
	r.Sweep(ctx)

	sessions, err := store.Sessions.ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, live.ID, sessions[0].ID)

	_, err = store.Verifiers.GetByID(ctx, deadVerifier.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.Verifiers.GetByID(ctx, liveVerifier.ID)
	assert.NoError(t, err)

	_, err = store.VerificationCodes.GetByCode(ctx, "dead-code")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.Devices.GetByDeviceCodeHash(ctx, "deadbeef")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// The surviving session keeps its tree.
	_, err = store.RefreshTokens.GetByID(ctx, keptToken.ID)
	assert.NoError(t, err)
}

func TestSweepHonorsCancelledContext(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	user := &db.User{}
	require.NoError(t, store.Users.Create(ctx, user))
	dead := &db.Session{UserID: user.ID, ExpirationTime: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Sessions.Create(ctx, dead))

	cancel()
	r, err := New(store, zap.NewNop(), time.Minute)
	require.NoError(t, err)
	r.Sweep(ctx)

	// Nothing ran: the expired session is still there.
	sessions, err := store.Sessions.ListByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
