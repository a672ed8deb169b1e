package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	m := testJWTManager(t)
	userID := uuid.New()
	sessionID := uuid.New()

	token, err := m.GenerateAccessToken(userID, sessionID)
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)

	gotUser, gotSession, err := claims.Subject()
	require.NoError(t, err)
	assert.Equal(t, userID, gotUser)
	assert.Equal(t, sessionID, gotSession)
	assert.Equal(t, testSiteURL, claims.Issuer)
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	m := testJWTManager(t)

	for _, token := range []string{"", "not.a.jwt", "a.b.c"} {
		_, err := m.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrNotSignedIn, "token %q", token)
	}
}

func TestValidateAccessTokenRejectsForeignIssuer(t *testing.T) {
	other, err := NewJWTManagerGenerated("https://elsewhere.example.com", time.Hour)
	require.NoError(t, err)

	userID := uuid.New()
	token, err := other.GenerateAccessToken(userID, uuid.New())
	require.NoError(t, err)

	_, err = testJWTManager(t).ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestJWKSSingleSigningKey(t *testing.T) {
	set := testJWTManager(t).JWKS()
	require.Len(t, set.Keys, 1)

	key := set.Keys[0]
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.NotEmpty(t, key.KeyID)
}

func TestRefreshTokenCodec(t *testing.T) {
	refreshTokenID := uuid.New()
	sessionID := uuid.New()

	raw := FormatRefreshToken(refreshTokenID, sessionID)
	gotToken, gotSession, err := ParseRefreshToken(raw)
	require.NoError(t, err)
	assert.Equal(t, refreshTokenID, gotToken)
	assert.Equal(t, sessionID, gotSession)
}

func TestParseRefreshTokenMalformed(t *testing.T) {
	cases := []string{
		"",
		"no-separator",
		"not-a-uuid|" + uuid.NewString(),
		uuid.NewString() + "|not-a-uuid",
		uuid.NewString(),
	}
	for _, raw := range cases {
		_, _, err := ParseRefreshToken(raw)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken, "raw %q", raw)
	}
}
