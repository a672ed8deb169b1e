package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
)

const (
	// oauthVerifierCookie carries the ceremony verifier id between the
	// authorization redirect and the provider callback.
	oauthVerifierCookie = "authgate_verifier"
	// oauthRedirectCookie carries the validated client redirect target
	// across the same window.
	oauthRedirectCookie = "authgate_redirect"

	// oauthCookieTTL must outlast the identity provider's authorization
	// timeout.
	oauthCookieTTL = 10 * time.Minute
)

// AuthHandler groups the sign-in surface: the dispatcher, the OAuth redirect
// legs, and session management.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
	secure bool // true in production (HTTPS), false in development
}

// NewAuthHandler creates a new AuthHandler. secure controls the Secure flag
// on ceremony cookies.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
		secure: secure,
	}
}

// signInRequest is the JSON body expected by POST /api/auth/signin.
type signInRequest struct {
	Provider     string            `json:"provider,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	Verifier     string            `json:"verifier,omitempty"`
	RedirectTo   string            `json:"redirectTo,omitempty"`
}

// SignIn handles POST /api/auth/signin — the single dispatcher endpoint for
// every sign-in shape: refresh, code exchange, and provider flows.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := h.svc.SignIn(r.Context(), auth.SignInArgs{
		Provider:     req.Provider,
		Params:       req.Params,
		RefreshToken: req.RefreshToken,
		Verifier:     req.Verifier,
		RedirectTo:   req.RedirectTo,
	})
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("sign-in failed", zap.String("provider", req.Provider), zap.Error(err))
		}
		ErrAuth(w, err)
		return
	}
	Ok(w, outcome)
}

// SignOut handles POST /api/auth/signout. Deletes the caller's session and
// its refresh-token tree.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	if err := h.svc.SignOut(r.Context(), subject.SessionID); err != nil {
		h.logger.Error("sign-out failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// sessionInfo is the client-facing session shape.
type sessionInfo struct {
	ID             uuid.UUID `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpirationTime time.Time `json:"expirationTime"`
	Current        bool      `json:"current"`
}

// ListSessions handles GET /api/auth/sessions.
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	sessions, err := h.svc.ListSessions(r.Context(), subject.UserID)
	if err != nil {
		h.logger.Error("listing sessions failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo{
			ID:             s.ID,
			CreatedAt:      s.CreatedAt,
			ExpirationTime: s.ExpirationTime,
			Current:        s.ID == subject.SessionID,
		})
	}
	Ok(w, out)
}

// SignOutEverywhere handles DELETE /api/auth/sessions. Deletes every session
// of the caller except the current one.
func (h *AuthHandler) SignOutEverywhere(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	err := h.svc.SignOutEverywhere(r.Context(), subject.UserID, []uuid.UUID{subject.SessionID})
	if err != nil {
		h.logger.Error("sign-out-everywhere failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// userInfo is the client-facing user shape.
type userInfo struct {
	ID            uuid.UUID `json:"id"`
	Email         *string   `json:"email,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	Phone         *string   `json:"phone,omitempty"`
	PhoneVerified bool      `json:"phoneVerified"`
	Name          string    `json:"name,omitempty"`
	Image         string    `json:"image,omitempty"`
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	user, err := h.svc.GetUser(r.Context(), subject.UserID)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, userInfo{
		ID:            user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailVerificationTime != nil,
		Phone:         user.Phone,
		PhoneVerified: user.PhoneVerificationTime != nil,
		Name:          user.Name,
		Image:         user.Image,
	})
}

// -----------------------------------------------------------------------------
// OAuth redirect legs
// -----------------------------------------------------------------------------

// OAuthStart handles GET /api/auth/signin/{provider}?code=<verifier>. It
// binds state and PKCE material to the verifier, parks the verifier id and
// validated redirect target in short-lived cookies, and sends the browser to
// the identity provider.
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	verifierID, err := uuid.Parse(r.URL.Query().Get("code"))
	if err != nil {
		ErrAuth(w, auth.ErrOAuthMissingVerifier)
		return
	}

	redirectTo, err := h.svc.ValidateRedirect(r.URL.Query().Get("redirectTo"))
	if err != nil {
		ErrAuth(w, err)
		return
	}

	authURL, err := h.svc.AuthorizationURL(r.Context(), providerID, verifierID)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("authorization url failed", zap.String("provider", providerID), zap.Error(err))
		}
		ErrAuth(w, err)
		return
	}

	expires := time.Now().Add(oauthCookieTTL)
	h.setCeremonyCookie(w, oauthVerifierCookie, verifierID.String(), expires)
	h.setCeremonyCookie(w, oauthRedirectCookie, redirectTo, expires)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback handles GET|POST /api/auth/callback/{provider}. It finishes
// the provider leg and bounces the browser back to the client with the
// one-time handoff code appended.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if err != nil {
		ErrAuth(w, auth.ErrOAuthMissingVerifier)
		return
	}
	verifierID, err := uuid.Parse(verifierCookie.Value)
	if err != nil {
		ErrAuth(w, auth.ErrOAuthMissingVerifier)
		return
	}

	redirectTo := ""
	if c, err := r.Cookie(oauthRedirectCookie); err == nil {
		redirectTo = c.Value
	}
	target, err := h.svc.ValidateRedirect(redirectTo)
	if err != nil {
		ErrAuth(w, err)
		return
	}

	// Ceremony cookies are single-use.
	h.clearCeremonyCookie(w, oauthVerifierCookie)
	h.clearCeremonyCookie(w, oauthRedirectCookie)

	if r.FormValue("error") != "" {
		http.Redirect(w, r, appendQuery(target, "error", r.FormValue("error")), http.StatusFound)
		return
	}

	handoff, err := h.svc.HandleOAuthCallback(r.Context(), providerID, verifierID, r.FormValue("state"), r.FormValue("code"))
	if err != nil {
		if auth.CodeOf(err) == auth.CodeInternal {
			h.logger.Error("oauth callback failed", zap.String("provider", providerID), zap.Error(err))
		}
		http.Redirect(w, r, appendQuery(target, "error", string(auth.CodeOf(err))), http.StatusFound)
		return
	}

	http.Redirect(w, r, appendQuery(target, "code", handoff), http.StatusFound)
}

func appendQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *AuthHandler) setCeremonyCookie(w http.ResponseWriter, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/api/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCeremonyCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
