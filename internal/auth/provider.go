package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/repository"
)

// ProviderType selects which sign-in flow a provider participates in.
type ProviderType string

const (
	// ProviderTypeOAuth is a plain OAuth 2.0 provider; the profile comes
	// from the userinfo endpoint.
	ProviderTypeOAuth ProviderType = "oauth"
	// ProviderTypeOIDC is an OpenID Connect provider; the profile comes from
	// a verified ID token, with endpoints discovered from the issuer.
	ProviderTypeOIDC ProviderType = "oidc"
	// ProviderTypeEmail sends a one-time code or magic link to an address.
	ProviderTypeEmail ProviderType = "email"
	// ProviderTypePhone sends a numeric one-time code to a phone number.
	ProviderTypePhone ProviderType = "phone"
	// ProviderTypeCredentials verifies a stored secret (password).
	ProviderTypeCredentials ProviderType = "credentials"
)

// Profile is the normalized identity a provider yields after verification.
// ID is the provider's stable account identifier and is the only required
// field.
type Profile struct {
	ID            string
	Email         *string
	EmailVerified bool
	Phone         *string
	PhoneVerified bool
	Name          string
	Image         string
}

// SendParams carries everything a provider's Send callback needs to deliver
// a one-time code.
type SendParams struct {
	// Identifier is the email address or phone number.
	Identifier string
	// Code is the raw one-time code or magic-link token.
	Code string
	// Expires is when the code stops working.
	Expires time.Time
}

// Crypto supplies the hash functions for a credentials provider. When nil,
// Argon2id with the library defaults is used. VerifySecret returns
// ErrInvalidSecret on mismatch.
type Crypto struct {
	HashSecret   func(secret string) (string, error)
	VerifySecret func(secret, hash string) error
}

// Provider configures one way of signing in. Which fields apply depends on
// Type; Validate enforces the per-type requirements.
type Provider struct {
	ID   string
	Type ProviderType

	// OAuth / OIDC.
	Issuer                string // OIDC issuer URL, used for discovery
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string // plain OAuth only
	TokenEndpoint         string // plain OAuth only
	UserInfoEndpoint      string // plain OAuth only
	Scopes                []string

	// Profile maps raw provider claims to a normalized Profile. Required for
	// plain OAuth; OIDC providers get a standard-claims default.
	Profile func(claims map[string]any) (Profile, error)

	// AllowDangerousEmailAccountLinking links this provider's accounts to an
	// existing user by unverified email match. Off by default: only enable
	// for providers known to verify addresses before asserting them.
	AllowDangerousEmailAccountLinking bool

	// Email / Phone.
	MaxAge       time.Duration              // code lifetime, default 15 minutes
	GenerateCode func() (string, error)     // override the default code shape
	Send         func(context.Context, SendParams) error

	// Credentials.
	Crypto *Crypto
}

// Validate checks that the provider carries the fields its type requires.
func (p *Provider) Validate() error {
	if p.ID == "" {
		return newError(CodeProviderNotConfigured, "provider has no id")
	}
	switch p.Type {
	case ProviderTypeOIDC:
		if p.Issuer == "" || p.ClientID == "" {
			return newError(CodeProviderNotConfigured, "oidc provider "+p.ID+" needs issuer and clientId")
		}
	case ProviderTypeOAuth:
		if p.ClientID == "" || p.AuthorizationEndpoint == "" || p.TokenEndpoint == "" {
			return newError(CodeProviderNotConfigured, "oauth provider "+p.ID+" needs clientId and endpoints")
		}
		if p.Profile == nil {
			return newError(CodeProviderNotConfigured, "oauth provider "+p.ID+" needs a profile mapper")
		}
	case ProviderTypeEmail, ProviderTypePhone:
		if p.Send == nil {
			return ErrEmailConfigRequired
		}
	case ProviderTypeCredentials:
		// Crypto is optional; Argon2id is the default.
	default:
		return newError(CodeProviderNotConfigured, "provider "+p.ID+" has unknown type "+string(p.Type))
	}
	return nil
}

// isOAuth reports whether the provider participates in the redirect flow.
func (p *Provider) isOAuth() bool {
	return p.Type == ProviderTypeOAuth || p.Type == ProviderTypeOIDC
}

// CreateOrUpdateUserArgs is what the account linker (or its override
// callback) works from when resolving a verified profile to a user.
type CreateOrUpdateUserArgs struct {
	Provider          *Provider
	Profile           Profile
	// ExistingUserID is set when the ceremony was started by a signed-in
	// user, e.g. linking a second provider.
	ExistingUserID *uuid.UUID
	EmailVerified  bool
	PhoneVerified  bool
}

// Callbacks lets the host application hook identity decisions. All fields
// are optional.
type Callbacks struct {
	// Redirect validates a client-supplied redirect target and returns the
	// URL to send the browser to. The default allows only the site URL and
	// its subpaths.
	Redirect func(redirectTo string) (string, error)

	// CreateOrUpdateUser replaces the default account linker entirely. It
	// must return the user the verified profile belongs to, creating one if
	// needed.
	CreateOrUpdateUser func(ctx context.Context, store *repository.Store, args CreateOrUpdateUserArgs) (uuid.UUID, error)

	// AfterUserCreatedOrUpdated runs after the linker (default or custom)
	// has resolved the user, inside the same transaction.
	AfterUserCreatedOrUpdated func(ctx context.Context, store *repository.Store, userID uuid.UUID, args CreateOrUpdateUserArgs) error
}

// SessionConfig bounds session lifetime.
type SessionConfig struct {
	// TotalDuration is the hard lifetime of a session. Zero means 30 days.
	TotalDuration time.Duration
}

// JWTConfig shapes the access tokens.
type JWTConfig struct {
	// Duration is the access-token lifetime. Zero means 1 hour.
	Duration time.Duration
}

// SignInConfig tunes abuse controls on credential verification.
type SignInConfig struct {
	// MaxFailedAttemptsPerHour is the rate-limit bucket capacity per
	// account. Zero means 10.
	MaxFailedAttemptsPerHour int
}

// APIKeyRateLimit is a per-key token bucket shape.
type APIKeyRateLimit struct {
	Max    int64         // bucket capacity
	Window time.Duration // full-refill interval
}

// APIKeyConfig governs API key issuance and verification.
type APIKeyConfig struct {
	// Prefix is prepended to every generated key, e.g. "ag_".
	Prefix string
	// Scopes is the allow-list of grantable scopes. A key request naming a
	// scope outside this list is rejected.
	Scopes []Scope
	// DefaultRateLimit applies to keys created without an explicit limit.
	// Nil means unlimited.
	DefaultRateLimit *APIKeyRateLimit
}

// WebAuthnConfig identifies the relying party for passkey ceremonies.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// Config is the single configuration struct handed to the auth core.
type Config struct {
	// SiteURL is the public base URL of this deployment. It becomes the JWT
	// issuer and the default redirect target.
	SiteURL string

	Providers []Provider
	Session   SessionConfig
	JWT       JWTConfig
	SignIn    SignInConfig
	APIKeys   APIKeyConfig
	WebAuthn  WebAuthnConfig
	Callbacks Callbacks
}

// Provider returns the configured provider with the given id.
func (c *Config) Provider(id string) (*Provider, error) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], nil
		}
	}
	return nil, ErrProviderNotConfigured
}

// Validate checks the whole configuration at startup so misconfiguration
// fails fast instead of surfacing mid-ceremony.
func (c *Config) Validate() error {
	if c.SiteURL == "" {
		return newError(CodeMissingEnvVar, "SITE_URL is required")
	}
	for i := range c.Providers {
		if err := c.Providers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
