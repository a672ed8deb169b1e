package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
	"github.com/authgate-io/authgate/internal/repository"
)

// PasskeyHandler serves credential management for signed-in users.
// Usernameless passkey sign-in goes through the dispatcher instead.
type PasskeyHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewPasskeyHandler creates a new PasskeyHandler.
func NewPasskeyHandler(svc *auth.Service, logger *zap.Logger) *PasskeyHandler {
	return &PasskeyHandler{svc: svc, logger: logger.Named("passkey_handler")}
}

// RegisterOptions handles POST /api/auth/passkeys/options. Returns the
// WebAuthn creation options for the browser.
func (h *PasskeyHandler) RegisterOptions(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	creation, err := h.svc.BeginPasskeyRegistration(r.Context(), subject.UserID, subject.SessionID)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("passkey options failed", zap.Error(err))
		}
		ErrAuth(w, err)
		return
	}
	Ok(w, creation)
}

// registerRequest is the JSON body expected by POST /api/auth/passkeys.
// Response is the raw authenticator attestation response as produced by
// navigator.credentials.create.
type registerRequest struct {
	Name     string          `json:"name,omitempty"`
	Response json.RawMessage `json:"response"`
}

// passkeyInfo is the client-facing credential shape.
type passkeyInfo struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name,omitempty"`
	DeviceType string     `json:"deviceType"`
	BackedUp   bool       `json:"backedUp"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Register handles POST /api/auth/passkeys.
func (h *PasskeyHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Response) == 0 {
		ErrBadRequest(w, "response is required")
		return
	}

	subject := subjectFromCtx(r.Context())
	passkey, err := h.svc.FinishPasskeyRegistration(r.Context(), subject.UserID, subject.SessionID, req.Response, req.Name)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("passkey registration failed", zap.Error(err))
		}
		ErrAuth(w, err)
		return
	}
	Created(w, passkeyInfo{
		ID:         passkey.ID,
		Name:       passkey.Name,
		DeviceType: passkey.DeviceType,
		BackedUp:   passkey.BackedUp,
		CreatedAt:  passkey.CreatedAt,
	})
}

// List handles GET /api/auth/passkeys.
func (h *PasskeyHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	passkeys, err := h.svc.ListPasskeys(r.Context(), subject.UserID)
	if err != nil {
		h.logger.Error("listing passkeys failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]passkeyInfo, 0, len(passkeys))
	for _, p := range passkeys {
		out = append(out, passkeyInfo{
			ID:         p.ID,
			Name:       p.Name,
			DeviceType: p.DeviceType,
			BackedUp:   p.BackedUp,
			CreatedAt:  p.CreatedAt,
			LastUsedAt: p.LastUsedAt,
		})
	}
	Ok(w, out)
}

// Delete handles DELETE /api/auth/passkeys/{id}.
func (h *PasskeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid passkey id")
		return
	}

	subject := subjectFromCtx(r.Context())
	if err := h.svc.RemovePasskey(r.Context(), subject.UserID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("deleting passkey failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
