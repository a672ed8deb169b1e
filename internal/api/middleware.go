package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
	"github.com/authgate-io/authgate/internal/db"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeySubject holds the authenticated subject (user and session)
	// after successful JWT validation.
	contextKeySubject contextKey = iota
	// contextKeyAPIKey holds the verified *db.APIKey on programmatic routes.
	contextKeyAPIKey
)

// Subject identifies the signed-in caller of an authenticated route.
type Subject struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// Authenticate validates the Bearer access token and stores the subject in
// the request context. On failure it writes a 401 and stops the chain.
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				ErrUnauthorized(w)
				return
			}

			claims, err := svc.ValidateAccessToken(token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}
			userID, sessionID, err := claims.Subject()
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeySubject, &Subject{
				UserID:    userID,
				SessionID: sessionID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// subjectFromCtx retrieves the subject stored by Authenticate. Returns nil
// on unauthenticated requests.
func subjectFromCtx(ctx context.Context) *Subject {
	s, _ := ctx.Value(contextKeySubject).(*Subject)
	return s
}

// RequireAPIKey guards a route with API key authentication, authorizing one
// (resource, action) pair against the key's scopes. Failures surface the
// stable error codes: 401 for bad or dead keys, 403 for scope misses, 429
// when the key's bucket is drained.
//
// Usage:
//
//	r.With(api.RequireAPIKey(svc, "users", "read")).Get("/v1/users", listUsers)
func RequireAPIKey(svc *auth.Service, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				ErrAuth(w, auth.ErrInvalidAPIKey)
				return
			}

			key, err := svc.VerifyAPIKey(r.Context(), raw, resource, action)
			if err != nil {
				ErrAuth(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// apiKeyFromCtx retrieves the API key verified by RequireAPIKey.
func apiKeyFromCtx(ctx context.Context) *db.APIKey {
	k, _ := ctx.Value(contextKeyAPIKey).(*db.APIKey)
	return k
}

// CORS handles cross-origin requests from the host application's frontend.
// Preflights are answered with 204 without hitting the handlers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[strings.TrimSuffix(origin, "/")]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Set("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
