package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate-io/authgate/internal/auth"
)

func TestEnvelopeShapes(t *testing.T) {
	rec := httptest.NewRecorder()
	Ok(rec, map[string]string{"hello": "world"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"hello":"world"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	Created(rec, map[string]string{"id": "1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"data":{"id":"1"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NoContent(rec)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = httptest.NewRecorder()
	ErrBadRequest(rec, "nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"nope","code":"bad_request"}}`, rec.Body.String())
}

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code auth.Code
		want int
	}{
		{auth.CodeNotSignedIn, http.StatusUnauthorized},
		{auth.CodeSignInFailed, http.StatusUnauthorized},
		{auth.CodeInvalidRefreshToken, http.StatusUnauthorized},
		{auth.CodeInvalidAPIKey, http.StatusUnauthorized},
		{auth.CodeAPIKeyRevoked, http.StatusUnauthorized},
		{auth.CodeAPIKeyExpired, http.StatusUnauthorized},
		{auth.CodeAPIKeyInvalidScope, http.StatusForbidden},
		{auth.CodeTooManyFailedAttempts, http.StatusTooManyRequests},
		{auth.CodeAPIKeyRateLimited, http.StatusTooManyRequests},
		{auth.CodeDeviceSlowDown, http.StatusTooManyRequests},
		{auth.CodeAccountAlreadyExists, http.StatusConflict},
		{auth.CodeDeviceAlreadyAuthorized, http.StatusConflict},
		{auth.CodeTOTPInvalidCode, http.StatusBadRequest},
		{auth.CodeInvalidRedirect, http.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForCode(tc.code), "code %s", tc.code)
	}
}

func TestErrAuthWritesStableCode(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrAuth(rec, auth.ErrSignInFailed)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var b struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, string(auth.CodeSignInFailed), b.Error.Code)
	assert.NotEmpty(t, b.Error.Message)
}

func TestErrAuthHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrAuth(rec, errors.New("pq: connection refused at 10.0.0.3"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
	assert.Contains(t, rec.Body.String(), string(auth.CodeInternal))
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","bogus":1}`))
	rec := httptest.NewRecorder()
	assert.False(t, decodeJSON(rec, req, &dst))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	rec = httptest.NewRecorder()
	assert.True(t, decodeJSON(rec, req, &dst))
	assert.Equal(t, "a", dst.Name)
}
