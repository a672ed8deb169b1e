package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

const testSiteURL = "https://auth.example.com"

var (
	sharedJWT     *JWTManager
	sharedJWTOnce sync.Once
)

// testJWTManager returns a process-wide signing key. RSA key generation is
// too slow to repeat per test.
func testJWTManager(t *testing.T) *JWTManager {
	t.Helper()
	sharedJWTOnce.Do(func() {
		var err error
		sharedJWT, err = NewJWTManagerGenerated(testSiteURL, time.Hour)
		if err != nil {
			panic(err)
		}
	})
	return sharedJWT
}

// testEnv wires a Service over an in-memory SQLite database. The email and
// phone providers capture the last code they were asked to deliver.
type testEnv struct {
	svc   *Service
	store *repository.Store

	emailCode string
	phoneCode string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	env := &testEnv{store: repository.NewStoreWithDB(database)}

	cfg := &Config{
		SiteURL: testSiteURL,
		Providers: []Provider{
			{ID: "credentials", Type: ProviderTypeCredentials},
			{ID: "email", Type: ProviderTypeEmail, Send: func(_ context.Context, p SendParams) error {
				env.emailCode = p.Code
				return nil
			}},
			{ID: "phone", Type: ProviderTypePhone, Send: func(_ context.Context, p SendParams) error {
				env.phoneCode = p.Code
				return nil
			}},
		},
		APIKeys: APIKeyConfig{
			Prefix: "ag_",
			Scopes: []Scope{{Resource: "*", Actions: []string{"*"}}},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	env.svc, err = NewService(cfg, env.store, testJWTManager(t), zap.NewNop())
	require.NoError(t, err)
	return env
}

// signUp creates a credentials user and returns its first token pair.
func (e *testEnv) signUp(t *testing.T, email, secret string) *Tokens {
	t.Helper()
	out, err := e.svc.SignIn(context.Background(), SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": email, "secret": secret, "flow": "signUp"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignedIn, out.Kind)
	require.NotNil(t, out.Tokens)
	return out.Tokens
}

// subjectOf extracts the user and session from a token pair.
func (e *testEnv) subjectOf(t *testing.T, tokens *Tokens) (userID, sessionID uuid.UUID) {
	t.Helper()
	claims, err := e.svc.ValidateAccessToken(tokens.Token)
	require.NoError(t, err)
	userID, sessionID, err = claims.Subject()
	require.NoError(t, err)
	return userID, sessionID
}
