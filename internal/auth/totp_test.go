package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPSetupAndConfirm(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tokens := env.signUp(t, "totp@example.com", "s3cret-s3cret")
	userID, _ := env.subjectOf(t, tokens)

	setup, err := env.svc.SetupTOTP(ctx, userID, "totp@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.True(t, strings.HasPrefix(setup.URI, "otpauth://totp/"))
	assert.Contains(t, setup.URI, "auth.example.com")

	// Wrong code leaves the enrollment pending.
	assert.ErrorIs(t, env.svc.ConfirmTOTP(ctx, userID, "000000"), ErrTOTPInvalidCode)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmTOTP(ctx, userID, code))

	// A verified authenticator blocks a second enrollment.
	_, err = env.svc.SetupTOTP(ctx, userID, "totp@example.com")
	assert.ErrorIs(t, err, ErrTOTPAlreadyVerified)
}

func TestTOTPGatesCredentialsSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tokens := env.signUp(t, "gated@example.com", "s3cret-s3cret")
	userID, _ := env.subjectOf(t, tokens)

	setup, err := env.svc.SetupTOTP(ctx, userID, "")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmTOTP(ctx, userID, code))

	// First factor alone no longer yields tokens.
	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "gated@example.com", "secret": "s3cret-s3cret"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeTOTPRequired, out.Kind)
	require.NotEmpty(t, out.Verifier)
	assert.Nil(t, out.Tokens)

	// Wrong second factor fails without consuming the verifier.
	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "totp",
		Verifier: out.Verifier,
		Params:   map[string]string{"code": "000000"},
	})
	require.ErrorIs(t, err, ErrTOTPInvalidCode)

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	finished, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "totp",
		Verifier: out.Verifier,
		Params:   map[string]string{"code": code},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignedIn, finished.Kind)

	gotUser, _ := env.subjectOf(t, finished.Tokens)
	assert.Equal(t, userID, gotUser)

	// The verifier was single-use.
	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "totp",
		Verifier: out.Verifier,
		Params:   map[string]string{"code": code},
	})
	assert.ErrorIs(t, err, ErrTOTPInvalidVerifier)
}

func TestTOTPSecondFactorLockout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SignIn.MaxFailedAttemptsPerHour = 2
	})
	ctx := context.Background()
	tokens := env.signUp(t, "guessed@example.com", "s3cret-s3cret")
	userID, _ := env.subjectOf(t, tokens)

	setup, err := env.svc.SetupTOTP(ctx, userID, "")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmTOTP(ctx, userID, code))

	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "guessed@example.com", "secret": "s3cret-s3cret"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeTOTPRequired, out.Kind)

	// Each wrong guess against the verifier drains the user's bucket, and
	// the decrement survives the failed attempt.
	for i := 0; i < 2; i++ {
		_, err = env.svc.SignIn(ctx, SignInArgs{
			Provider: "totp",
			Verifier: out.Verifier,
			Params:   map[string]string{"code": "000000"},
		})
		require.ErrorIs(t, err, ErrTOTPInvalidCode)
	}

	// Bucket drained: even the right code is refused now.
	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "totp",
		Verifier: out.Verifier,
		Params:   map[string]string{"code": code},
	})
	assert.ErrorIs(t, err, ErrTooManyFailedAttempts)
}

func TestTOTPSecondFactorRejectsBogusVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "totp",
		Verifier: "not-a-uuid",
		Params:   map[string]string{"code": "123456"},
	})
	assert.ErrorIs(t, err, ErrTOTPInvalidVerifier)

	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "totp",
		Params:   map[string]string{"code": "123456"},
	})
	assert.ErrorIs(t, err, ErrTOTPInvalidVerifier)
}

func TestRemoveTOTPLiftsGate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tokens := env.signUp(t, "ungated@example.com", "s3cret-s3cret")
	userID, _ := env.subjectOf(t, tokens)

	setup, err := env.svc.SetupTOTP(ctx, userID, "")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmTOTP(ctx, userID, code))

	require.NoError(t, env.svc.RemoveTOTP(ctx, userID))
	assert.ErrorIs(t, env.svc.RemoveTOTP(ctx, userID), ErrTOTPNotFound)

	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": "ungated@example.com", "secret": "s3cret-s3cret"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignedIn, out.Kind)
}
