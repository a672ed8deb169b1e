package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate-io/authgate/internal/db"
)

func TestCheckCounter(t *testing.T) {
	// Authenticators that never count stay at zero forever.
	assert.NoError(t, checkCounter(0, 0))
	assert.NoError(t, checkCounter(0, 1))
	assert.NoError(t, checkCounter(5, 6))
	assert.NoError(t, checkCounter(5, 100))

	// A non-advancing counter means a cloned credential.
	assert.ErrorIs(t, checkCounter(5, 5), &Error{Code: CodePasskeyCounterError})
	assert.ErrorIs(t, checkCounter(5, 4), &Error{Code: CodePasskeyCounterError})
	assert.ErrorIs(t, checkCounter(1, 0), &Error{Code: CodePasskeyCounterError})
}

func TestDeviceType(t *testing.T) {
	assert.Equal(t, "multiDevice", deviceType(true))
	assert.Equal(t, "singleDevice", deviceType(false))
}

func TestWebAuthnUserAdapter(t *testing.T) {
	user := &db.User{Name: "Ada", Email: strPtr("ada@example.com")}
	user.ID = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	wu := &webauthnUser{user: user}

	assert.Equal(t, user.ID[:], wu.WebAuthnID())
	assert.Equal(t, "ada@example.com", wu.WebAuthnName())
	assert.Equal(t, "Ada", wu.WebAuthnDisplayName())

	// Without email or name both fall back to the UUID.
	anon := &db.User{}
	anon.ID = user.ID
	wa := &webauthnUser{user: anon}
	assert.Equal(t, anon.ID.String(), wa.WebAuthnName())
	assert.Equal(t, anon.ID.String(), wa.WebAuthnDisplayName())
}

func TestCredentialOf(t *testing.T) {
	rawID := []byte("credential-id")
	rawKey := []byte("cose-public-key")
	transports, err := json.Marshal([]string{"internal", "hybrid"})
	require.NoError(t, err)

	row := &db.Passkey{
		CredentialID: base64.RawURLEncoding.EncodeToString(rawID),
		PublicKey:    base64.RawURLEncoding.EncodeToString(rawKey),
		Counter:      7,
		Transports:   string(transports),
		BackedUp:     true,
	}

	cred, err := credentialOf(row)
	require.NoError(t, err)
	assert.Equal(t, rawID, cred.ID)
	assert.Equal(t, rawKey, cred.PublicKey)
	assert.Equal(t, []protocol.AuthenticatorTransport{"internal", "hybrid"}, cred.Transport)
	assert.Equal(t, uint32(7), cred.Authenticator.SignCount)
	assert.True(t, cred.Flags.BackupState)

	_, err = credentialOf(&db.Passkey{CredentialID: "not!base64url"})
	assert.Error(t, err)
}

func TestPasskeyFlowRequiresRelyingParty(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, SignInArgs{Provider: "passkey"})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	tokens := env.signUp(t, "no-rp@example.com", "s3cret-s3cret")
	userID, sessionID := env.subjectOf(t, tokens)
	_, err = env.svc.BeginPasskeyRegistration(ctx, userID, sessionID)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func webauthnTestEnv(t *testing.T) *testEnv {
	return newTestEnv(t, func(cfg *Config) {
		cfg.WebAuthn = WebAuthnConfig{
			RPID:      "auth.example.com",
			RPOrigins: []string{testSiteURL},
		}
	})
}

func TestPasskeyLoginOptionsMintChallenge(t *testing.T) {
	env := webauthnTestEnv(t)
	ctx := context.Background()

	out, err := env.svc.SignIn(ctx, SignInArgs{Provider: "passkey", Params: map[string]string{"flow": "auth-options"}})
	require.NoError(t, err)
	require.Equal(t, OutcomePasskeyOptions, out.Kind)
	require.NotNil(t, out.PasskeyOptions)

	challenge := out.PasskeyOptions.Response.Challenge.String()
	require.NotEmpty(t, challenge)

	// The challenge digest is bound to a live verifier, exactly once.
	v, err := consumePasskeyChallenge(ctx, env.store, challenge)
	require.NoError(t, err)
	assert.Nil(t, v.SessionID)

	_, err = consumePasskeyChallenge(ctx, env.store, challenge)
	assert.Equal(t, CodePasskeyInvalidChallenge, CodeOf(err))
}

func TestPasskeyLoginOptionsScopedByEmail(t *testing.T) {
	env := webauthnTestEnv(t)
	ctx := context.Background()

	now := time.Now()
	user := &db.User{Email: strPtr("scoped@example.com"), EmailVerificationTime: &now}
	require.NoError(t, env.store.Users.Create(ctx, user))

	rawID := []byte("scoped-cred")
	require.NoError(t, env.store.Passkeys.Create(ctx, &db.Passkey{
		UserID:       user.ID,
		CredentialID: base64.RawURLEncoding.EncodeToString(rawID),
		PublicKey:    base64.RawURLEncoding.EncodeToString([]byte("key")),
		Algorithm:    -7,
	}))

	// With an email, allowCredentials names the holder's registered keys.
	out, err := env.svc.SignIn(ctx, SignInArgs{
		Provider: "passkey",
		Params:   map[string]string{"flow": "auth-options", "email": "scoped@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomePasskeyOptions, out.Kind)
	allowed := out.PasskeyOptions.Response.AllowedCredentials
	require.Len(t, allowed, 1)
	assert.Equal(t, rawID, []byte(allowed[0].CredentialID))

	// An unknown address falls back to the usernameless shape, so the
	// response does not reveal which emails exist.
	out, err = env.svc.SignIn(ctx, SignInArgs{
		Provider: "passkey",
		Params:   map[string]string{"flow": "auth-options", "email": "nobody@example.com"},
	})
	require.NoError(t, err)
	assert.Empty(t, out.PasskeyOptions.Response.AllowedCredentials)
}

func TestPasskeyRegistrationChallengeBoundToSession(t *testing.T) {
	env := webauthnTestEnv(t)
	ctx := context.Background()
	tokens := env.signUp(t, "register@example.com", "s3cret-s3cret")
	userID, sessionID := env.subjectOf(t, tokens)

	creation, err := env.svc.BeginPasskeyRegistration(ctx, userID, sessionID)
	require.NoError(t, err)
	require.NotNil(t, creation)

	challenge := creation.Response.Challenge.String()
	v, err := consumePasskeyChallenge(ctx, env.store, challenge)
	require.NoError(t, err)
	require.NotNil(t, v.SessionID)
	assert.Equal(t, sessionID, *v.SessionID)
}

func TestPasskeyVerifyRejectsGarbageResponse(t *testing.T) {
	env := webauthnTestEnv(t)

	_, err := env.svc.SignIn(context.Background(), SignInArgs{
		Provider: "passkey",
		Params:   map[string]string{"flow": "auth-verify", "response": "{not json"},
	})
	assert.Equal(t, CodePasskeyInvalidClientData, CodeOf(err))

	_, err = env.svc.SignIn(context.Background(), SignInArgs{
		Provider: "passkey",
		Params:   map[string]string{"flow": "auth-verify"},
	})
	assert.ErrorIs(t, err, ErrSignInMissingParams)
}

func TestRemovePasskeyChecksOwnership(t *testing.T) {
	env := webauthnTestEnv(t)
	ctx := context.Background()

	ownerTokens := env.signUp(t, "pk-owner@example.com", "s3cret-s3cret")
	owner, _ := env.subjectOf(t, ownerTokens)
	strangerTokens := env.signUp(t, "pk-stranger@example.com", "s3cret-s3cret")
	stranger, _ := env.subjectOf(t, strangerTokens)

	passkey := &db.Passkey{
		UserID:       owner,
		CredentialID: base64.RawURLEncoding.EncodeToString([]byte("owned-cred")),
		PublicKey:    base64.RawURLEncoding.EncodeToString([]byte("key")),
		Algorithm:    -7,
	}
	require.NoError(t, env.store.Passkeys.Create(ctx, passkey))

	err := env.svc.RemovePasskey(ctx, stranger, passkey.ID)
	assert.Error(t, err)

	listed, err := env.svc.ListPasskeys(ctx, owner)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, env.svc.RemovePasskey(ctx, owner, passkey.ID))
	listed, err = env.svc.ListPasskeys(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, listed)
}
