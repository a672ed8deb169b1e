package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
)

// DeviceHandler serves the RFC 8628 device-authorization endpoints: issuance
// and polling for the device, lookup and approval for the signed-in user.
type DeviceHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(svc *auth.Service, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{svc: svc, logger: logger.Named("device_handler")}
}

// IssueCode handles POST /api/auth/device/code. Public: the device has no
// credentials yet.
func (h *DeviceHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	dc, err := h.svc.IssueDeviceCode(r.Context())
	if err != nil {
		h.logger.Error("device code issuance failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, dc)
}

// tokenRequest is the JSON body expected by POST /api/auth/device/token.
type tokenRequest struct {
	DeviceCode string `json:"device_code"`
}

// Token handles POST /api/auth/device/token — the device's poll. Pending and
// slow_down outcomes use their stable codes; approval returns the token
// pair.
func (h *DeviceHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceCode == "" {
		ErrBadRequest(w, "device_code is required")
		return
	}

	tokens, err := h.svc.PollDeviceCode(r.Context(), req.DeviceCode)
	if err != nil {
		ErrAuth(w, err)
		return
	}
	Ok(w, tokens)
}

// deviceInfo is what the approval page sees after a user-code lookup.
type deviceInfo struct {
	UserCode  string `json:"userCode"`
	ExpiresAt string `json:"expiresAt"`
}

// Lookup handles GET /api/auth/device?user_code=XXXX-XXXX.
func (h *DeviceHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	row, err := h.svc.LookupUserCode(r.Context(), r.URL.Query().Get("user_code"))
	if err != nil {
		ErrAuth(w, err)
		return
	}
	Ok(w, deviceInfo{UserCode: row.UserCode, ExpiresAt: row.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")})
}

// approvalRequest is the JSON body for approve and deny.
type approvalRequest struct {
	UserCode string `json:"userCode"`
}

// Approve handles POST /api/auth/device/approve. Requires a signed-in user;
// a session is created for the device on their behalf.
func (h *DeviceHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	subject := subjectFromCtx(r.Context())
	if err := h.svc.ApproveDevice(r.Context(), req.UserCode, subject.UserID); err != nil {
		ErrAuth(w, err)
		return
	}
	NoContent(w)
}

// Deny handles POST /api/auth/device/deny.
func (h *DeviceHandler) Deny(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.svc.DenyDevice(r.Context(), req.UserCode); err != nil {
		ErrAuth(w, err)
		return
	}
	NoContent(w)
}
