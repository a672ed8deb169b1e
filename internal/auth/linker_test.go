package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate-io/authgate/internal/db"
)

// linkerProvider is a stand-in external provider for direct linker tests.
func linkerProvider(id string, dangerous bool) *Provider {
	return &Provider{
		ID:                                id,
		Type:                              ProviderTypeOIDC,
		Issuer:                            "https://idp.example.com",
		ClientID:                          "client",
		AllowDangerousEmailAccountLinking: dangerous,
	}
}

func strPtr(s string) *string { return &s }

func TestLinkerVerifiedEmailAttachesToHolder(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// User already holds the verified address.
	now := time.Now()
	holder := &db.User{Email: strPtr("link@example.com"), EmailVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, holder))

	userID, account, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider:      linkerProvider("idp", false),
		Profile:       Profile{ID: "ext-1", Email: strPtr("link@example.com")},
		EmailVerified: true,
	})
	require.NoError(t, err)
	assert.Equal(t, holder.ID, userID)
	assert.Equal(t, holder.ID, account.UserID)
	assert.True(t, account.EmailVerified)
}

func TestLinkerUnverifiedEmailDoesNotLink(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now()
	holder := &db.User{Email: strPtr("cautious@example.com"), EmailVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, holder))

	userID, _, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider: linkerProvider("idp", false),
		Profile:  Profile{ID: "ext-2", Email: strPtr("cautious@example.com")},
		// EmailVerified false: the provider asserts but did not verify.
	})
	require.NoError(t, err)
	assert.NotEqual(t, holder.ID, userID)
}

func TestLinkerDangerousLinkingByUnverifiedEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now()
	holder := &db.User{Email: strPtr("danger@example.com"), EmailVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, holder))

	userID, _, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider: linkerProvider("trusted-idp", true),
		Profile:  Profile{ID: "ext-3", Email: strPtr("danger@example.com")},
	})
	require.NoError(t, err)
	assert.Equal(t, holder.ID, userID)
}

func TestLinkerNeverMergesTwoUsers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()

	emailHolder := &db.User{Email: strPtr("merge-a@example.com"), EmailVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, emailHolder))
	phoneHolder := &db.User{Phone: strPtr("+15557770001"), PhoneVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, phoneHolder))

	// Profile matches one user by email and another by phone: a fresh user
	// is created instead of handing either identity to the other.
	userID, _, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider:      linkerProvider("idp", false),
		Profile:       Profile{ID: "ext-4", Email: strPtr("merge-a@example.com"), Phone: strPtr("+15557770001")},
		EmailVerified: true,
		PhoneVerified: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, emailHolder.ID, userID)
	assert.NotEqual(t, phoneHolder.ID, userID)
}

func TestLinkerExistingAccountPinsUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	provider := linkerProvider("idp", false)

	first, _, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider: provider,
		Profile:  Profile{ID: "ext-5", Email: strPtr("pin@example.com")},
	})
	require.NoError(t, err)

	// Same external identity again, even with a changed email: same user.
	second, _, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider: provider,
		Profile:  Profile{ID: "ext-5", Email: strPtr("renamed@example.com")},
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLinkerExistingUserIDLinksNewProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user := &db.User{}
	require.NoError(t, env.store.Users.Create(ctx, user))

	userID, account, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider:       linkerProvider("second-idp", false),
		Profile:        Profile{ID: "ext-6"},
		ExistingUserID: &user.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
	assert.Equal(t, "second-idp", account.Provider)
}

func TestLinkerReverificationMovesVerifiedEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()

	old := &db.User{Email: strPtr("moving@example.com"), EmailVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, old))
	claimant := &db.User{}
	require.NoError(t, env.store.Users.Create(ctx, claimant))

	// The claimant proves the address through a ceremony bound to them.
	userID, _, err := upsertUserAndAccount(ctx, env.store, env.svc.Config(), CreateOrUpdateUserArgs{
		Provider:       linkerProvider("idp", false),
		Profile:        Profile{ID: "ext-7", Email: strPtr("moving@example.com")},
		ExistingUserID: &claimant.ID,
		EmailVerified:  true,
	})
	require.NoError(t, err)
	require.Equal(t, claimant.ID, userID)

	// At most one user holds a verified address at a time.
	reloadedOld, err := env.store.Users.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, reloadedOld.EmailVerificationTime)

	reloadedClaimant, err := env.store.Users.GetByID(ctx, claimant.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloadedClaimant.EmailVerificationTime)
}
