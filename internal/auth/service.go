// Package auth implements the core authentication runtime: sessions with
// rotating refresh tokens, the provider-typed sign-in dispatcher, passkeys,
// TOTP second factors, device authorization, and scoped API keys.
package auth

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/metrics"
	"github.com/authgate-io/authgate/internal/repository"
)

// Service is the façade over the auth core. Every state-mutating operation
// runs inside one store transaction, so a failed ceremony leaves nothing
// behind.
type Service struct {
	cfg      *Config
	store    *repository.Store
	logger   *zap.Logger
	jwt      *JWTManager
	sessions *SessionManager
	limiter  *RateLimiter
	web      *webauthn.WebAuthn
}

// NewService validates the configuration and wires the core together. The
// WebAuthn relying party is only built when an RPID is configured; passkey
// operations fail with PROVIDER_NOT_CONFIGURED otherwise.
func NewService(cfg *Config, store *repository.Store, jwt *JWTManager, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var web *webauthn.WebAuthn
	if cfg.WebAuthn.RPID != "" {
		var err error
		web, err = newWebAuthn(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		logger:   logger.Named("auth"),
		jwt:      jwt,
		sessions: NewSessionManager(jwt, logger, cfg.Session.TotalDuration),
		limiter:  NewRateLimiter(cfg.SignIn.MaxFailedAttemptsPerHour, time.Hour),
		web:      web,
	}, nil
}

// JWT exposes the token manager for the HTTP surface (JWKS, discovery,
// middleware validation).
func (s *Service) JWT() *JWTManager { return s.jwt }

// Sessions exposes the session manager, mainly so tests can tune the reuse
// window.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Config returns the validated configuration.
func (s *Service) Config() *Config { return s.cfg }

// ValidateAccessToken verifies a bearer JWT and returns its claims.
func (s *Service) ValidateAccessToken(token string) (*Claims, error) {
	return s.jwt.ValidateAccessToken(token)
}

// SignOut deletes the session and its refresh-token tree.
func (s *Service) SignOut(ctx context.Context, sessionID uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return s.sessions.DeleteSession(ctx, tx, sessionID)
	})
}

// SignOutEverywhere deletes all of the user's sessions except those listed.
func (s *Service) SignOutEverywhere(ctx context.Context, userID uuid.UUID, except []uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return s.sessions.Invalidate(ctx, tx, userID, except)
	})
}

// ListSessions returns the user's active sessions.
func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID) ([]db.Session, error) {
	return s.sessions.ListSessions(ctx, s.store, userID)
}

// GetUser loads a user by ID.
func (s *Service) GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error) {
	return s.store.Users.GetByID(ctx, userID)
}

// -----------------------------------------------------------------------------
// OAuth surface (driven by the HTTP handlers)
// -----------------------------------------------------------------------------

// AuthorizationURL resolves the provider and starts the redirect leg for the
// given verifier.
func (s *Service) AuthorizationURL(ctx context.Context, providerID string, verifierID uuid.UUID) (string, error) {
	provider, err := s.cfg.Provider(providerID)
	if err != nil {
		return "", err
	}
	var url string
	err = s.store.Transact(ctx, func(tx *repository.Store) error {
		url, err = authorizationURL(ctx, tx, s.cfg, provider, verifierID)
		return err
	})
	return url, err
}

// HandleOAuthCallback finishes the redirect leg and returns the one-time
// handoff code to append to the client redirect.
func (s *Service) HandleOAuthCallback(ctx context.Context, providerID string, verifierID uuid.UUID, state, authCode string) (string, error) {
	provider, err := s.cfg.Provider(providerID)
	if err != nil {
		return "", err
	}
	var handoff string
	err = s.store.Transact(ctx, func(tx *repository.Store) error {
		handoff, err = handleOAuthCallback(ctx, tx, s.cfg, provider, verifierID, state, authCode)
		return err
	})
	if err != nil {
		metrics.SignInFailures.WithLabelValues(providerID).Inc()
		return "", err
	}
	return handoff, nil
}

// ValidateRedirect applies the redirect policy to a client-supplied target.
func (s *Service) ValidateRedirect(redirectTo string) (string, error) {
	return validateRedirect(s.cfg, redirectTo)
}

// -----------------------------------------------------------------------------
// Passkey management (signed-in user)
// -----------------------------------------------------------------------------

func (s *Service) webauthnOrErr() (*webauthn.WebAuthn, error) {
	if s.web == nil {
		return nil, newError(CodeProviderNotConfigured, "webauthn relying party is not configured")
	}
	return s.web, nil
}

// BeginPasskeyRegistration starts a credential registration ceremony for the
// signed-in user.
func (s *Service) BeginPasskeyRegistration(ctx context.Context, userID, sessionID uuid.UUID) (*protocol.CredentialCreation, error) {
	web, err := s.webauthnOrErr()
	if err != nil {
		return nil, err
	}
	var creation *protocol.CredentialCreation
	err = s.store.Transact(ctx, func(tx *repository.Store) error {
		creation, err = beginPasskeyRegistration(ctx, tx, web, userID, sessionID)
		return err
	})
	return creation, err
}

// FinishPasskeyRegistration validates the attestation response and stores
// the credential.
func (s *Service) FinishPasskeyRegistration(ctx context.Context, userID, sessionID uuid.UUID, response []byte, name string) (*db.Passkey, error) {
	web, err := s.webauthnOrErr()
	if err != nil {
		return nil, err
	}
	var passkey *db.Passkey
	err = s.store.Transact(ctx, func(tx *repository.Store) error {
		passkey, err = finishPasskeyRegistration(ctx, tx, web, userID, sessionID, response, name)
		return err
	})
	return passkey, err
}

// ListPasskeys returns the user's registered credentials.
func (s *Service) ListPasskeys(ctx context.Context, userID uuid.UUID) ([]db.Passkey, error) {
	return listPasskeys(ctx, s.store, userID)
}

// RemovePasskey deletes one of the user's credentials.
func (s *Service) RemovePasskey(ctx context.Context, userID, passkeyID uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return removePasskey(ctx, tx, userID, passkeyID)
	})
}

// -----------------------------------------------------------------------------
// TOTP management (signed-in user)
// -----------------------------------------------------------------------------

// SetupTOTP starts a TOTP enrollment and returns the secret and otpauth URI.
func (s *Service) SetupTOTP(ctx context.Context, userID uuid.UUID, accountName string) (*TOTPSetup, error) {
	var setup *TOTPSetup
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		var err error
		setup, err = setupTOTP(ctx, tx, s.cfg, userID, accountName)
		return err
	})
	return setup, err
}

// ConfirmTOTP promotes the pending enrollment after a correct code.
func (s *Service) ConfirmTOTP(ctx context.Context, userID uuid.UUID, code string) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return confirmTOTP(ctx, tx, userID, code)
	})
}

// RemoveTOTP deletes the user's verified authenticator.
func (s *Service) RemoveTOTP(ctx context.Context, userID uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return removeTOTP(ctx, tx, userID)
	})
}

// -----------------------------------------------------------------------------
// Device authorization
// -----------------------------------------------------------------------------

// IssueDeviceCode starts an RFC 8628 device authorization.
func (s *Service) IssueDeviceCode(ctx context.Context) (*DeviceCode, error) {
	var dc *DeviceCode
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		var err error
		dc, err = issueDeviceCode(ctx, tx, s.cfg)
		return err
	})
	return dc, err
}

// PollDeviceCode is the device's token request. Non-token poll results
// (pending, slow_down, denial, expiry) mutate the authorization row — the
// poll stamp or the terminal deletion — so they commit the transaction even
// though the device gets an error back.
func (s *Service) PollDeviceCode(ctx context.Context, deviceCode string) (*Tokens, error) {
	var tokens *Tokens
	var pollErr error
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		tokens, pollErr = pollDeviceCode(ctx, tx, s.sessions, deviceCode)
		if pollErr != nil && isPollResult(pollErr) {
			return nil
		}
		return pollErr
	})
	if err != nil {
		return nil, err
	}
	if pollErr != nil {
		return nil, pollErr
	}
	metrics.SignIns.WithLabelValues("device").Inc()
	return tokens, nil
}

// LookupUserCode validates a typed user code for the approval page.
func (s *Service) LookupUserCode(ctx context.Context, userCode string) (*db.DeviceAuthorization, error) {
	return lookupUserCode(ctx, s.store, userCode)
}

// ApproveDevice records the signed-in user's approval of a device.
func (s *Service) ApproveDevice(ctx context.Context, userCode string, userID uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return approveDevice(ctx, tx, s.sessions, userCode, userID)
	})
}

// DenyDevice records a refusal.
func (s *Service) DenyDevice(ctx context.Context, userCode string) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return denyDevice(ctx, tx, userCode)
	})
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// CreateAPIKey mints a key; the raw string in the return is shown once.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, name string, scopes []Scope, expiresAt *time.Time, limit *APIKeyRateLimit) (string, *db.APIKey, error) {
	var raw string
	var key *db.APIKey
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		var err error
		raw, key, err = createAPIKey(ctx, tx, s.cfg, userID, name, scopes, expiresAt, limit)
		return err
	})
	return raw, key, err
}

// VerifyAPIKey authenticates a raw key and authorizes one action, consuming
// a rate-limit token.
func (s *Service) VerifyAPIKey(ctx context.Context, raw, resource, action string) (*db.APIKey, error) {
	var key *db.APIKey
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		var err error
		key, err = verifyAPIKey(ctx, tx, raw, resource, action)
		return err
	})
	metrics.APIKeyVerifications.WithLabelValues(apiKeyOutcome(err)).Inc()
	return key, err
}

func apiKeyOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch CodeOf(err) {
	case CodeAPIKeyRevoked:
		return "revoked"
	case CodeAPIKeyExpired:
		return "expired"
	case CodeAPIKeyRateLimited:
		return "rate_limited"
	case CodeAPIKeyInvalidScope:
		return "invalid_scope"
	default:
		return "invalid"
	}
}

// ListAPIKeys returns the user's keys.
func (s *Service) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]db.APIKey, error) {
	return listAPIKeys(ctx, s.store, userID)
}

// GetAPIKey loads one of the user's keys.
func (s *Service) GetAPIKey(ctx context.Context, userID, keyID uuid.UUID) (*db.APIKey, error) {
	return getAPIKey(ctx, s.store, userID, keyID)
}

// UpdateAPIKey renames a key or replaces its scopes.
func (s *Service) UpdateAPIKey(ctx context.Context, userID, keyID uuid.UUID, name *string, scopes []Scope) (*db.APIKey, error) {
	var key *db.APIKey
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		var err error
		key, err = updateAPIKey(ctx, tx, s.cfg, userID, keyID, name, scopes)
		return err
	})
	return key, err
}

// RevokeAPIKey disables a key immediately.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return revokeAPIKey(ctx, tx, userID, keyID)
	})
}

// RemoveAPIKey deletes a key.
func (s *Service) RemoveAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	return s.store.Transact(ctx, func(tx *repository.Store) error {
		return removeAPIKey(ctx, tx, userID, keyID)
	})
}

// UpdatePassword rehashes a credentials account's secret after the caller
// re-authenticated, then signs the user out everywhere else.
func (s *Service) UpdatePassword(ctx context.Context, providerID, identifier, currentSecret, newSecret string, keepSessionID uuid.UUID) error {
	provider, err := s.cfg.Provider(providerID)
	if err != nil {
		return err
	}
	var opErr error
	err = s.store.Transact(ctx, func(tx *repository.Store) error {
		userID, err := verifyCredentials(ctx, tx, s.limiter, provider, identifier, currentSecret)
		if err != nil {
			// A wrong current password counts against the same bucket as a
			// failed sign-in, so the decrement must commit.
			opErr = sanitizeCredentialsError(err)
			if commitsOnFailure(opErr) {
				return nil
			}
			return opErr
		}
		if err := updateCredentialsSecret(ctx, tx, provider, identifier, newSecret); err != nil {
			return err
		}
		return s.sessions.Invalidate(ctx, tx, userID, []uuid.UUID{keepSessionID})
	})
	if err != nil {
		return err
	}
	return opErr
}

// sanitizeCredentialsError collapses account-revealing failures into the one
// code clients see, leaving the lockout code intact.
func sanitizeCredentialsError(err error) error {
	switch CodeOf(err) {
	case CodeAccountNotFound, CodeInvalidSecret:
		return ErrSignInFailed
	default:
		return err
	}
}
