package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
)

// TOTPHandler serves authenticator enrollment for signed-in users. The
// second-factor verify round during sign-in goes through the dispatcher.
type TOTPHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewTOTPHandler creates a new TOTPHandler.
func NewTOTPHandler(svc *auth.Service, logger *zap.Logger) *TOTPHandler {
	return &TOTPHandler{svc: svc, logger: logger.Named("totp_handler")}
}

// Setup handles POST /api/auth/totp/setup. Returns the secret and otpauth
// URI exactly once.
func (h *TOTPHandler) Setup(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())

	user, err := h.svc.GetUser(r.Context(), subject.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}
	accountName := ""
	if user.Email != nil {
		accountName = *user.Email
	}

	setup, err := h.svc.SetupTOTP(r.Context(), subject.UserID, accountName)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("totp setup failed", zap.Error(err))
		}
		ErrAuth(w, err)
		return
	}
	Ok(w, setup)
}

// confirmRequest is the JSON body expected by POST /api/auth/totp/confirm.
type confirmRequest struct {
	Code string `json:"code"`
}

// Confirm handles POST /api/auth/totp/confirm. A correct code promotes the
// pending enrollment to the user's second factor.
func (h *TOTPHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		ErrBadRequest(w, "code is required")
		return
	}

	subject := subjectFromCtx(r.Context())
	if err := h.svc.ConfirmTOTP(r.Context(), subject.UserID, req.Code); err != nil {
		ErrAuth(w, err)
		return
	}
	NoContent(w)
}

// Remove handles DELETE /api/auth/totp.
func (h *TOTPHandler) Remove(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	if err := h.svc.RemoveTOTP(r.Context(), subject.UserID); err != nil {
		ErrAuth(w, err)
		return
	}
	NoContent(w)
}
