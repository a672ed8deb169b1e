package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate-io/authgate/internal/auth"
)

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]string
	decodeData(t, rec, &status)
	assert.Equal(t, "ok", status["status"])
}

func TestOpenIDConfiguration(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/.well-known/openid-configuration", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Cache-Control"))

	var doc struct {
		Issuer                      string   `json:"issuer"`
		JWKSURI                     string   `json:"jwks_uri"`
		DeviceAuthorizationEndpoint string   `json:"device_authorization_endpoint"`
		Algs                        []string `json:"id_token_signing_alg_values_supported"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, testSiteURL, doc.Issuer)
	assert.Equal(t, testSiteURL+"/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, testSiteURL+"/api/auth/device/code", doc.DeviceAuthorizationEndpoint)
	assert.Equal(t, []string{"RS256"}, doc.Algs)
}

func TestJWKSEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Use string `json:"use"`
			Alg string `json:"alg"`
			Kid string `json:"kid"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "RSA", jwks.Keys[0].Kty)
	assert.Equal(t, "sig", jwks.Keys[0].Use)
	assert.Equal(t, "RS256", jwks.Keys[0].Alg)
	assert.NotEmpty(t, jwks.Keys[0].Kid)
}

func TestSignInOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/auth/signin",
		`{"provider":"credentials","params":{"email":"http@example.com","secret":"s3cret-s3cret","flow":"signUp"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Kind   string       `json:"kind"`
		Tokens *auth.Tokens `json:"tokens"`
	}
	decodeData(t, rec, &out)
	require.Equal(t, "signedIn", out.Kind)
	require.NotNil(t, out.Tokens)

	// Refresh through the same endpoint rotates the pair.
	rec = a.do(t, http.MethodPost, "/api/auth/signin",
		fmt.Sprintf(`{"refreshToken":%q}`, out.Tokens.RefreshToken), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var refreshed struct {
		Kind   string       `json:"kind"`
		Tokens *auth.Tokens `json:"tokens"`
	}
	decodeData(t, rec, &refreshed)
	require.NotNil(t, refreshed.Tokens)
	assert.NotEqual(t, out.Tokens.RefreshToken, refreshed.Tokens.RefreshToken)

	// Sign-out kills the session; the fresh refresh token dies with it.
	rec = a.do(t, http.MethodPost, "/api/auth/signout", "", bearer(refreshed.Tokens.Token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/auth/signin",
		fmt.Sprintf(`{"refreshToken":%q}`, refreshed.Tokens.RefreshToken), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(auth.CodeInvalidRefreshToken), errCodeOf(t, rec))
}

func TestSignInRejectsBadBodies(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/auth/signin", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/auth/signin", `{"bogus":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Wrong password is indistinguishable from an unknown account.
	a.signUp(t, "present@example.com", "s3cret-s3cret")
	for _, email := range []string{"present@example.com", "absent@example.com"} {
		rec = a.do(t, http.MethodPost, "/api/auth/signin",
			fmt.Sprintf(`{"provider":"credentials","params":{"email":%q,"secret":"wrong-secret"}}`, email), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, string(auth.CodeSignInFailed), errCodeOf(t, rec))
	}
}

func TestSessionsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	tokens := a.signUp(t, "sessions@example.com", "s3cret-s3cret")

	rec := a.do(t, http.MethodGet, "/api/auth/sessions", "", bearer(tokens.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []struct {
		ID      string `json:"id"`
		Current bool   `json:"current"`
	}
	decodeData(t, rec, &sessions)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	tokens := a.signUp(t, "approver-http@example.com", "s3cret-s3cret")

	rec := a.do(t, http.MethodPost, "/api/auth/device/code", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dc auth.DeviceCode
	decodeData(t, rec, &dc)
	require.NotEmpty(t, dc.DeviceCode)
	require.NotEmpty(t, dc.UserCode)

	// The approval page resolves the user code.
	rec = a.do(t, http.MethodGet, "/api/auth/device?user_code="+dc.UserCode, "", bearer(tokens.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/auth/device/approve",
		fmt.Sprintf(`{"userCode":%q}`, dc.UserCode), bearer(tokens.Token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/auth/device/token",
		fmt.Sprintf(`{"device_code":%q}`, dc.DeviceCode), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var issued auth.Tokens
	decodeData(t, rec, &issued)
	assert.NotEmpty(t, issued.Token)
	assert.NotEmpty(t, issued.RefreshToken)
}

func TestDeviceTokenPending(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/auth/device/code", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dc auth.DeviceCode
	decodeData(t, rec, &dc)

	rec = a.do(t, http.MethodPost, "/api/auth/device/token",
		fmt.Sprintf(`{"device_code":%q}`, dc.DeviceCode), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(auth.CodeDeviceAuthorizationPending), errCodeOf(t, rec))

	rec = a.do(t, http.MethodPost, "/api/auth/device/token", `{"device_code":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeysOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	tokens := a.signUp(t, "keys-http@example.com", "s3cret-s3cret")

	rec := a.do(t, http.MethodPost, "/api/auth/keys",
		`{"name":"ci","scopes":[{"resource":"files","actions":["read"]}]}`, bearer(tokens.Token))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID     string `json:"id"`
		Key    string `json:"key"`
		Prefix string `json:"prefix"`
	}
	decodeData(t, rec, &created)
	assert.True(t, strings.HasPrefix(created.Key, "ag_"))
	assert.True(t, strings.HasSuffix(created.Prefix, "..."))

	// The raw key never appears again.
	rec = a.do(t, http.MethodGet, "/api/auth/keys", "", bearer(tokens.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	decodeData(t, rec, &listed)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Key)

	rec = a.do(t, http.MethodPost, "/api/auth/keys/"+created.ID+"/revoke", "", bearer(tokens.Token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/auth/keys/"+created.ID, "", bearer(tokens.Token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/auth/keys/"+created.ID, "", bearer(tokens.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Creation requires a name.
	rec = a.do(t, http.MethodPost, "/api/auth/keys",
		`{"name":"","scopes":[{"resource":"files","actions":["read"]}]}`, bearer(tokens.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
