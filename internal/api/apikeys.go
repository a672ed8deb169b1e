package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
	"github.com/authgate-io/authgate/internal/db"
)

// APIKeyHandler serves key management for signed-in users. Key verification
// on protected routes happens in the RequireAPIKey middleware, not here.
type APIKeyHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(svc *auth.Service, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{svc: svc, logger: logger.Named("apikey_handler")}
}

// createKeyRequest is the JSON body expected by POST /api/auth/keys.
type createKeyRequest struct {
	Name      string       `json:"name"`
	Scopes    []auth.Scope `json:"scopes"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`

	// RateLimitMax/RateLimitWindowMS override the configured default
	// per-key bucket. Both must be set together.
	RateLimitMax      *int64 `json:"rateLimitMax,omitempty"`
	RateLimitWindowMS *int64 `json:"rateLimitWindowMs,omitempty"`
}

// keyInfo is the client-facing key shape. Key is only set in the creation
// response — the raw key is never retrievable afterwards.
type keyInfo struct {
	ID         uuid.UUID  `json:"id"`
	Key        string     `json:"key,omitempty"`
	Prefix     string     `json:"prefix"`
	Name       string     `json:"name"`
	Scopes     string     `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Revoked    bool       `json:"revoked"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toKeyInfo(key *db.APIKey, raw string) keyInfo {
	return keyInfo{
		ID:         key.ID,
		Key:        raw,
		Prefix:     key.Prefix,
		Name:       key.Name,
		Scopes:     key.Scopes,
		ExpiresAt:  key.ExpiresAt,
		LastUsedAt: key.LastUsedAt,
		Revoked:    key.Revoked,
		CreatedAt:  key.CreatedAt,
	}
}

// Create handles POST /api/auth/keys.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	var limit *auth.APIKeyRateLimit
	if req.RateLimitMax != nil && req.RateLimitWindowMS != nil {
		limit = &auth.APIKeyRateLimit{
			Max:    *req.RateLimitMax,
			Window: time.Duration(*req.RateLimitWindowMS) * time.Millisecond,
		}
	}

	subject := subjectFromCtx(r.Context())
	raw, key, err := h.svc.CreateAPIKey(r.Context(), subject.UserID, req.Name, req.Scopes, req.ExpiresAt, limit)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("api key creation failed", zap.Error(err))
		}
		ErrAuth(w, err)
		return
	}
	Created(w, toKeyInfo(key, raw))
}

// List handles GET /api/auth/keys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	keys, err := h.svc.ListAPIKeys(r.Context(), subject.UserID)
	if err != nil {
		h.logger.Error("listing api keys failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]keyInfo, 0, len(keys))
	for i := range keys {
		out = append(out, toKeyInfo(&keys[i], ""))
	}
	Ok(w, out)
}

func (h *APIKeyHandler) keyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid key id")
		return uuid.UUID{}, false
	}
	return id, true
}

// Get handles GET /api/auth/keys/{id}.
func (h *APIKeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	subject := subjectFromCtx(r.Context())
	key, err := h.svc.GetAPIKey(r.Context(), subject.UserID, id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, toKeyInfo(key, ""))
}

// updateKeyRequest is the JSON body expected by PATCH /api/auth/keys/{id}.
type updateKeyRequest struct {
	Name   *string      `json:"name,omitempty"`
	Scopes []auth.Scope `json:"scopes,omitempty"`
}

// Update handles PATCH /api/auth/keys/{id}.
func (h *APIKeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}
	var req updateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	subject := subjectFromCtx(r.Context())
	key, err := h.svc.UpdateAPIKey(r.Context(), subject.UserID, id, req.Name, req.Scopes)
	if err != nil {
		ErrAuth(w, err)
		return
	}
	Ok(w, toKeyInfo(key, ""))
}

// Revoke handles POST /api/auth/keys/{id}/revoke.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	subject := subjectFromCtx(r.Context())
	if err := h.svc.RevokeAPIKey(r.Context(), subject.UserID, id); err != nil {
		ErrAuth(w, err)
		return
	}
	NoContent(w)
}

// Delete handles DELETE /api/auth/keys/{id}.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	subject := subjectFromCtx(r.Context())
	if err := h.svc.RemoveAPIKey(r.Context(), subject.UserID, id); err != nil {
		ErrAuth(w, err)
		return
	}
	NoContent(w)
}
