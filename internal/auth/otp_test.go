package auth

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailOTPSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "email",
		Params:   map[string]string{"email": "otp@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out.Kind)
	require.Regexp(t, regexp.MustCompile(`^[a-zA-Z0-9]{24}$`), env.emailCode)

	// The code alone finishes the sign-in (magic-link shape).
	out, err = env.svc.SignIn(ctx, SignInArgs{
		Params: map[string]string{"code": env.emailCode},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignedIn, out.Kind)

	userID, _ := env.subjectOf(t, out.Tokens)
	user, err := env.svc.GetUser(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user.Email)
	assert.Equal(t, "otp@example.com", *user.Email)
	assert.NotNil(t, user.EmailVerificationTime)
}

func TestEmailOTPCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "email",
		Params:   map[string]string{"email": "once@example.com"},
	})
	require.NoError(t, err)
	code := env.emailCode

	_, err = env.svc.SignIn(ctx, SignInArgs{Params: map[string]string{"code": code}})
	require.NoError(t, err)

	_, err = env.svc.SignIn(ctx, SignInArgs{Params: map[string]string{"code": code}})
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)
}

func TestEmailOTPNewRequestInvalidatesOldCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "email",
		Params:   map[string]string{"email": "replace@example.com"},
	})
	require.NoError(t, err)
	first := env.emailCode

	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "email",
		Params:   map[string]string{"email": "replace@example.com"},
	})
	require.NoError(t, err)
	second := env.emailCode
	require.NotEqual(t, first, second)

	_, err = env.svc.SignIn(ctx, SignInArgs{Params: map[string]string{"code": first}})
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)

	_, err = env.svc.SignIn(ctx, SignInArgs{Params: map[string]string{"code": second}})
	assert.NoError(t, err)
}

func TestPhoneOTPSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "phone",
		Params:   map[string]string{"phone": "+15551234567"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out.Kind)
	require.Regexp(t, regexp.MustCompile(`^[0-9]{8}$`), env.phoneCode)

	// Phone codes are short and account-scoped, so the number comes back
	// with the code.
	out, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "phone",
		Params:   map[string]string{"phone": "+15551234567", "code": env.phoneCode},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignedIn, out.Kind)

	userID, _ := env.subjectOf(t, out.Tokens)
	user, err := env.svc.GetUser(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user.Phone)
	assert.Equal(t, "+15551234567", *user.Phone)
	assert.NotNil(t, user.PhoneVerificationTime)
}

func TestPhoneOTPWrongCodeOrNumber(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "phone",
		Params:   map[string]string{"phone": "+15550000001"},
	})
	require.NoError(t, err)

	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "phone",
		Params:   map[string]string{"phone": "+15550000001", "code": "00000000"},
	})
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)

	// Right code, wrong number.
	_, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "phone",
		Params:   map[string]string{"phone": "+15559999999", "code": env.phoneCode},
	})
	assert.ErrorIs(t, err, ErrInvalidVerificationCode)
}

func TestOTPSignInResolvesSameUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	signIn := func() *Tokens {
		_, err := env.svc.SignIn(ctx, SignInArgs{
			Provider: "email",
			Params:   map[string]string{"email": "repeat@example.com"},
		})
		require.NoError(t, err)
		out, err := env.svc.SignIn(ctx, SignInArgs{Params: map[string]string{"code": env.emailCode}})
		require.NoError(t, err)
		return out.Tokens
	}

	first, _ := env.subjectOf(t, signIn())
	second, _ := env.subjectOf(t, signIn())
	assert.Equal(t, first, second)
}
