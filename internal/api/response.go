// Package api implements the HTTP surface of the identity service. It uses
// Chi as the router and exposes the auth endpoints under /api/auth plus the
// OIDC discovery documents under /.well-known. Routes for signed-in users
// are enforced via JWT middleware; programmatic routes via the API key
// wrapper.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/authgate-io/authgate/internal/auth"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", string(auth.CodeNotSignedIn))
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrInternal writes a 500 Internal Server Error response. The internal
// error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", string(auth.CodeInternal))
}

// ErrAuth maps a core auth error to its HTTP status and writes it with its
// stable code. Unknown errors become opaque 500s.
func ErrAuth(w http.ResponseWriter, err error) {
	code := auth.CodeOf(err)
	if code == auth.CodeInternal {
		ErrInternal(w)
		return
	}

	var ae *auth.Error
	message := "request failed"
	if errors.As(err, &ae) {
		message = ae.Message
	}
	errJSON(w, statusForCode(code), message, string(code))
}

// statusForCode maps the stable error codes onto HTTP statuses.
func statusForCode(code auth.Code) int {
	switch code {
	case auth.CodeNotSignedIn, auth.CodeInvalidRefreshToken, auth.CodeSignInFailed,
		auth.CodeInvalidAPIKey, auth.CodeAPIKeyRevoked, auth.CodeAPIKeyExpired:
		return http.StatusUnauthorized
	case auth.CodeAPIKeyInvalidScope:
		return http.StatusForbidden
	case auth.CodeTooManyFailedAttempts, auth.CodeAPIKeyRateLimited, auth.CodeDeviceSlowDown:
		return http.StatusTooManyRequests
	case auth.CodeAccountAlreadyExists, auth.CodeDeviceAlreadyAuthorized:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
