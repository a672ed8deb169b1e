package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate-io/authgate/internal/db"
)

func TestValidateRedirectDefaultPolicy(t *testing.T) {
	cfg := &Config{SiteURL: testSiteURL}

	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "", want: testSiteURL},
		{in: "/dashboard", want: testSiteURL + "/dashboard"},
		{in: testSiteURL, want: testSiteURL},
		{in: testSiteURL + "/settings", want: testSiteURL + "/settings"},
		{in: "https://evil.example.com", err: true},
		{in: "//evil.example.com", err: true},
		{in: "https://auth.example.com.evil.com", err: true},
	}
	for _, tc := range cases {
		got, err := validateRedirect(cfg, tc.in)
		if tc.err {
			assert.ErrorIs(t, err, ErrInvalidRedirect, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestValidateRedirectCallbackOverride(t *testing.T) {
	cfg := &Config{
		SiteURL: testSiteURL,
		Callbacks: Callbacks{
			Redirect: func(redirectTo string) (string, error) {
				if redirectTo == "app://callback" {
					return redirectTo, nil
				}
				return "", errors.New("nope")
			},
		},
	}

	got, err := validateRedirect(cfg, "app://callback")
	require.NoError(t, err)
	assert.Equal(t, "app://callback", got)

	_, err = validateRedirect(cfg, "/dashboard")
	assert.ErrorIs(t, err, ErrInvalidRedirect)
}

// handoffFixture plants an account and a handoff code the way the OAuth
// callback does.
func handoffFixture(t *testing.T, env *testEnv, verifierID *uuid.UUID) (string, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	user := &db.User{}
	require.NoError(t, env.store.Users.Create(ctx, user))
	account := &db.Account{UserID: user.ID, Provider: "idp", ProviderAccountID: uuid.NewString()}
	require.NoError(t, env.store.Accounts.Create(ctx, account))

	code, err := generateCode(24)
	require.NoError(t, err)
	require.NoError(t, env.store.VerificationCodes.Create(ctx, &db.VerificationCode{
		AccountID:      account.ID,
		Provider:       "idp",
		Code:           code,
		ExpirationTime: time.Now().Add(2 * time.Minute),
		VerifierID:     verifierID,
	}))
	return code, user.ID
}

func TestVerifyHandoffCodeBoundToVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	verifierID := uuid.New()
	code, wantUser := handoffFixture(t, env, &verifierID)

	// Without the verifier the code is worthless.
	_, err := verifyHandoffCode(ctx, env.store, code, nil)
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)

	wrong := uuid.New()
	_, err = verifyHandoffCode(ctx, env.store, code, &wrong)
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)

	gotUser, err := verifyHandoffCode(ctx, env.store, code, &verifierID)
	require.NoError(t, err)
	assert.Equal(t, wantUser, gotUser)

	// Consumed on success.
	_, err = verifyHandoffCode(ctx, env.store, code, &verifierID)
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)
}

func TestOAuthStartMintsVerifierAndRedirect(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Providers = append(cfg.Providers, Provider{
			ID:       "idp",
			Type:     ProviderTypeOIDC,
			Issuer:   "https://idp.example.com",
			ClientID: "client-id",
		})
	})
	ctx := context.Background()

	out, err := env.svc.SignIn(ctx, SignInArgs{Provider: "idp", RedirectTo: "/after"})
	require.NoError(t, err)
	require.Equal(t, OutcomeRedirect, out.Kind)

	verifierID, err := uuid.Parse(out.Verifier)
	require.NoError(t, err)
	assert.Equal(t, testSiteURL+"/api/auth/signin/idp?code="+out.Verifier+"&redirectTo=/after", out.Redirect)

	// The verifier row exists and is unbound to any session.
	v, err := env.store.Verifiers.GetByID(ctx, verifierID)
	require.NoError(t, err)
	assert.Nil(t, v.SessionID)
}

func TestOAuthStartRejectsForeignRedirect(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Providers = append(cfg.Providers, Provider{
			ID:       "idp",
			Type:     ProviderTypeOIDC,
			Issuer:   "https://idp.example.com",
			ClientID: "client-id",
		})
	})

	_, err := env.svc.SignIn(context.Background(), SignInArgs{
		Provider:   "idp",
		RedirectTo: "https://evil.example.com/steal",
	})
	assert.ErrorIs(t, err, ErrInvalidRedirect)
}

func TestOAuthStateBinding(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	v, err := newVerifier(ctx, env.store, nil)
	require.NoError(t, err)
	require.NoError(t, setOAuthState(ctx, env.store, v, oauthVerifierState{
		State:        "expected-state",
		CodeVerifier: "pkce-verifier",
	}))

	reloaded, err := getVerifier(ctx, env.store, v.ID)
	require.NoError(t, err)
	state, err := oauthStateOf(reloaded)
	require.NoError(t, err)
	assert.Equal(t, "expected-state", state.State)
	assert.Equal(t, "pkce-verifier", state.CodeVerifier)

	// A callback presenting a different state must not match.
	assert.False(t, constantTimeEqual(state.State, "attacker-state"))
}

func TestProviderLookupUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.SignIn(context.Background(), SignInArgs{Provider: "does-not-exist"})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}
