package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgon2idHashVerify(t *testing.T) {
	hash, err := argon2idHash("correct horse battery staple")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$")

	assert.NoError(t, argon2idVerify("correct horse battery staple", hash))
	assert.ErrorIs(t, argon2idVerify("wrong", hash), ErrInvalidSecret)

	// Same secret, fresh salt, different encoding.
	again, err := argon2idHash("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestCredentialsSignUpAndSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.signUp(t, "alice@example.com", "s3cret-s3cret")
	userID, _ := env.subjectOf(t, tokens)

	user, err := env.svc.GetUser(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user.Email)
	assert.Equal(t, "alice@example.com", *user.Email)
	// Sign-up does not verify the address.
	assert.Nil(t, user.EmailVerificationTime)

	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "alice@example.com", "secret": "s3cret-s3cret"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignedIn, out.Kind)

	sameUser, _ := env.subjectOf(t, out.Tokens)
	assert.Equal(t, userID, sameUser)
}

func TestCredentialsDuplicateSignUp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signUp(t, "bob@example.com", "s3cret-s3cret")

	_, err := env.svc.SignIn(context.Background(), SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "bob@example.com", "secret": "other-secret", "flow": "signUp"},
	})
	assert.ErrorIs(t, err, ErrAccountAlreadyExists)
}

func TestCredentialsFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.signUp(t, "carol@example.com", "s3cret-s3cret")

	// Wrong password and unknown account produce the same code.
	_, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "carol@example.com", "secret": "wrong"},
	})
	assert.ErrorIs(t, err, ErrSignInFailed)

	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "nobody@example.com", "secret": "wrong"},
	})
	assert.ErrorIs(t, err, ErrSignInFailed)
}

func TestCredentialsLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SignIn.MaxFailedAttemptsPerHour = 2
	})
	ctx := context.Background()
	env.signUp(t, "dave@example.com", "s3cret-s3cret")

	for i := 0; i < 2; i++ {
		_, err := env.svc.SignIn(ctx, SignInArgs{
			Provider: "credentials",
			Params:   map[string]string{"email": "dave@example.com", "secret": "wrong"},
		})
		require.ErrorIs(t, err, ErrSignInFailed)
	}

	// The decrements survived the failed attempts' transactions.
	account, err := env.store.Accounts.GetByProviderAccount(ctx, "credentials", "dave@example.com")
	require.NoError(t, err)
	row, err := env.store.RateLimits.GetByIdentifier(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Less(t, row.AttemptsLeft, 1.0)

	// Bucket drained: even the right password is refused now.
	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "dave@example.com", "secret": "s3cret-s3cret"},
	})
	assert.ErrorIs(t, err, ErrTooManyFailedAttempts)
}

func TestCredentialsSuccessResetsLimiter(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SignIn.MaxFailedAttemptsPerHour = 3
	})
	ctx := context.Background()
	env.signUp(t, "erin@example.com", "s3cret-s3cret")

	_, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "erin@example.com", "secret": "wrong"},
	})
	require.ErrorIs(t, err, ErrSignInFailed)

	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "erin@example.com", "secret": "s3cret-s3cret"},
	})
	require.NoError(t, err)

	// The bucket row is gone after a successful verification.
	account, err := env.store.Accounts.GetByProviderAccount(ctx, "credentials", "erin@example.com")
	require.NoError(t, err)
	_, err = env.store.RateLimits.GetByIdentifier(ctx, account.ID.String())
	assert.Error(t, err)
}

func TestUpdatePasswordInvalidatesOtherSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.signUp(t, "frank@example.com", "old-secret-12")
	_, keepSession := env.subjectOf(t, tokens)

	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "frank@example.com", "secret": "old-secret-12"},
	})
	require.NoError(t, err)
	other := out.Tokens

	require.NoError(t, env.svc.UpdatePassword(ctx, "credentials", "frank@example.com", "old-secret-12", "new-secret-12", keepSession))

	// Old password dead, new one works.
	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "frank@example.com", "secret": "old-secret-12"},
	})
	assert.ErrorIs(t, err, ErrSignInFailed)

	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "frank@example.com", "secret": "new-secret-12"},
	})
	assert.NoError(t, err)

	// The other session's refresh tree was burned; the caller's survives.
	_, err = env.svc.SignIn(ctx, SignInArgs{RefreshToken: other.RefreshToken})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = env.svc.SignIn(ctx, SignInArgs{RefreshToken: tokens.RefreshToken})
	assert.NoError(t, err)
}
