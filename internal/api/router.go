package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/auth"
	"github.com/authgate-io/authgate/internal/db"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
type RouterConfig struct {
	Service *auth.Service
	DB      *gorm.DB
	Logger  *zap.Logger

	// AllowedOrigins are origins permitted to call the API from a browser.
	// The site URL is always included.
	AllowedOrigins []string

	// Secure controls whether ceremony cookies are set with the Secure
	// flag. Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(append([]string{cfg.Service.Config().SiteURL}, cfg.AllowedOrigins...)))

	authHandler := NewAuthHandler(cfg.Service, cfg.Logger, cfg.Secure)
	wellKnown := NewWellKnownHandler(cfg.Service)
	deviceHandler := NewDeviceHandler(cfg.Service, cfg.Logger)
	passkeyHandler := NewPasskeyHandler(cfg.Service, cfg.Logger)
	totpHandler := NewTOTPHandler(cfg.Service, cfg.Logger)
	apiKeyHandler := NewAPIKeyHandler(cfg.Service, cfg.Logger)

	// Discovery documents for resource servers validating our tokens.
	r.Get("/.well-known/openid-configuration", wellKnown.OpenIDConfiguration)
	r.Get("/.well-known/jwks.json", wellKnown.JWKS)

	// Operational endpoints.
	r.Get("/healthz", healthz(cfg.DB))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/auth", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/signin", authHandler.SignIn)

			// OAuth redirect legs — public because the user is not yet
			// signed in.
			r.Get("/signin/{provider}", authHandler.OAuthStart)
			r.Get("/callback/{provider}", authHandler.OAuthCallback)
			r.Post("/callback/{provider}", authHandler.OAuthCallback)

			// Device flow: the polling device has no credentials yet.
			r.Post("/device/code", deviceHandler.IssueCode)
			r.Post("/device/token", deviceHandler.Token)
		})

		// --- Authenticated routes (valid access token required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Service))

			r.Post("/signout", authHandler.SignOut)
			r.Get("/me", authHandler.Me)

			// Sessions
			r.Get("/sessions", authHandler.ListSessions)
			r.Delete("/sessions", authHandler.SignOutEverywhere)

			// Device approval
			r.Get("/device", deviceHandler.Lookup)
			r.Post("/device/approve", deviceHandler.Approve)
			r.Post("/device/deny", deviceHandler.Deny)

			// Passkeys
			r.Post("/passkeys/options", passkeyHandler.RegisterOptions)
			r.Post("/passkeys", passkeyHandler.Register)
			r.Get("/passkeys", passkeyHandler.List)
			r.Delete("/passkeys/{id}", passkeyHandler.Delete)

			// TOTP
			r.Post("/totp/setup", totpHandler.Setup)
			r.Post("/totp/confirm", totpHandler.Confirm)
			r.Delete("/totp", totpHandler.Remove)

			// API keys
			r.Post("/keys", apiKeyHandler.Create)
			r.Get("/keys", apiKeyHandler.List)
			r.Get("/keys/{id}", apiKeyHandler.Get)
			r.Patch("/keys/{id}", apiKeyHandler.Update)
			r.Post("/keys/{id}/revoke", apiKeyHandler.Revoke)
			r.Delete("/keys/{id}", apiKeyHandler.Delete)
		})
	})

	return r
}

// healthz reports liveness and database reachability.
func healthz(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if database != nil {
			if err := db.Ping(r.Context(), database); err != nil {
				errJSON(w, http.StatusServiceUnavailable, "database unreachable", "unavailable")
				return
			}
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
