package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. It must be exported:
// GORM drops the fields of an unexported embedded struct from the schema.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Accounts
// -----------------------------------------------------------------------------

// User is an identity known to the service. A user may be reachable through
// any number of accounts (password, OAuth, email OTP, passkey, ...) and may
// own any number of sessions.
//
// Email and Phone are nullable — anonymous users have neither. The
// *VerificationTime fields record when the identifier was last confirmed;
// at most one user may hold any given verified email, and likewise for phone.
type User struct {
	Base
	Email                 *string `gorm:"index"`
	EmailVerificationTime *time.Time
	Phone                 *string `gorm:"index"`
	PhoneVerificationTime *time.Time
	Name                  string `gorm:"default:''"`
	Image                 string `gorm:"default:''"`
	IsAnonymous           bool   `gorm:"not null;default:false"`

	// Extend holds host-application fields (role strings, org hints) as JSON.
	// The core stores it verbatim and never interprets it.
	Extend string `gorm:"type:text;default:'{}'"`
}

// Account links a user to one authentication method at one provider.
// (Provider, ProviderAccountID) is globally unique: an external identity can
// belong to exactly one user. Secret is set only for credentials accounts and
// always holds a hash, never the raw secret; the hash is additionally
// encrypted at rest via EncryptedString.
type Account struct {
	Base
	UserID            uuid.UUID       `gorm:"type:text;not null;index:idx_accounts_user_provider"`
	Provider          string          `gorm:"not null;index:idx_accounts_user_provider;uniqueIndex:idx_accounts_provider_account"`
	ProviderAccountID string          `gorm:"not null;uniqueIndex:idx_accounts_provider_account"`
	Secret            EncryptedString `gorm:"type:text"`
	EmailVerified     bool            `gorm:"not null;default:false"`
	PhoneVerified     bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Sessions & refresh tokens
// -----------------------------------------------------------------------------

// Session is one signed-in device/browser for a user. Access tokens are bound
// to a session; deleting the session cascades to its refresh-token tree.
type Session struct {
	Base
	UserID         uuid.UUID `gorm:"type:text;not null;index"`
	ExpirationTime time.Time `gorm:"not null;index"`
}

// RefreshToken is one node in a session's rotation tree. The raw token handed
// to clients is "<id>|<sessionID>" — the row itself carries no secret.
//
// FirstUsedTime is nil while the token is the active (unused) leaf of its
// branch. ParentRefreshTokenID is nil only for tree roots minted at sign-in.
type RefreshToken struct {
	Base
	SessionID            uuid.UUID  `gorm:"type:text;not null;index;index:idx_refresh_tokens_session_parent"`
	ExpirationTime       time.Time  `gorm:"not null"`
	FirstUsedTime        *time.Time `gorm:"index"`
	ParentRefreshTokenID *uuid.UUID `gorm:"type:text;index:idx_refresh_tokens_session_parent"`
}

// -----------------------------------------------------------------------------
// Verification codes & verifiers
// -----------------------------------------------------------------------------

// VerificationCode is a single-use, short-lived credential: an email or phone
// OTP, a magic-link token, or the one-time handoff code minted after a
// successful OAuth callback. It is deleted when consumed; expired rows are
// swept by the reaper.
type VerificationCode struct {
	Base
	AccountID      uuid.UUID `gorm:"type:text;not null;index"`
	Provider       string    `gorm:"not null"`
	Code           string    `gorm:"not null;uniqueIndex"`
	ExpirationTime time.Time `gorm:"not null;index"`
	VerifierID     *uuid.UUID `gorm:"type:text"`
	EmailVerified  bool       `gorm:"not null;default:false"`
	PhoneVerified  bool       `gorm:"not null;default:false"`
}

// Verifier holds short-lived server-side ceremony state: a PKCE code verifier,
// a WebAuthn challenge hash, or JSON-encoded TOTP context. The Signature
// column is opaque to the store — each ceremony defines what it writes there
// (internal/auth/verifier.go documents the set of writers).
type Verifier struct {
	Base
	SessionID      *uuid.UUID `gorm:"type:text"`
	Signature      *string    `gorm:"index"`
	ExpirationTime time.Time  `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Rate limits
// -----------------------------------------------------------------------------

// RateLimit is a persisted token bucket keyed by an arbitrary identifier
// (an account ID for credential verification). AttemptsLeft is fractional —
// the bucket refills continuously at capacity/window tokens per millisecond.
// The row is deleted on a successful verification.
type RateLimit struct {
	Base
	Identifier      string    `gorm:"not null;uniqueIndex"`
	AttemptsLeft    float64   `gorm:"not null"`
	LastAttemptTime time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// APIKey is a programmatic credential. The raw key is shown once at creation
// and never persisted — all lookups go through HashedKey (SHA-256 hex).
// Prefix is a display hint ("ag_abcd..."), not an index.
//
// Scopes is a JSON array of {resource, actions} entries. The rate-limit
// columns are nil when the key has no per-key limit.
type APIKey struct {
	Base
	UserID          uuid.UUID `gorm:"type:text;not null;index"`
	Prefix          string    `gorm:"not null"`
	HashedKey       string    `gorm:"not null;uniqueIndex"`
	Name            string    `gorm:"not null"`
	Scopes          string    `gorm:"type:text;not null;default:'[]'"`
	RateLimitMax    *int64
	RateLimitWindow *int64 // milliseconds
	BucketRemaining *float64
	BucketUpdatedAt *time.Time
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	Revoked         bool `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Passkeys
// -----------------------------------------------------------------------------

// Passkey is a registered WebAuthn credential. CredentialID and PublicKey are
// stored base64url-encoded. Counter enforces assertion monotonicity — a
// replayed or cloned authenticator presents a stale counter and is rejected.
type Passkey struct {
	Base
	UserID       uuid.UUID `gorm:"type:text;not null;index"`
	CredentialID string    `gorm:"not null;uniqueIndex"`
	PublicKey    string    `gorm:"type:text;not null"`
	Algorithm    int64     `gorm:"not null"` // COSE algorithm identifier
	Counter      uint32    `gorm:"not null;default:0"`
	Transports   string    `gorm:"type:text;default:'[]'"` // JSON array
	DeviceType   string    `gorm:"not null;default:''"`
	BackedUp     bool      `gorm:"not null;default:false"`
	Name         string    `gorm:"default:''"`
	LastUsedAt   *time.Time
}

// -----------------------------------------------------------------------------
// TOTP
// -----------------------------------------------------------------------------

// TOTPCredential is a time-based one-time-password enrollment. Secret is the
// base32 seed, encrypted at rest. Rows start unverified at setup and become
// the user's second factor only after a successful confirm round.
type TOTPCredential struct {
	Base
	UserID     uuid.UUID       `gorm:"type:text;not null;index:idx_totp_user_verified"`
	Secret     EncryptedString `gorm:"type:text;not null"`
	Digits     int             `gorm:"not null;default:6"`
	Period     int             `gorm:"not null;default:30"` // seconds
	Verified   bool            `gorm:"not null;default:false;index:idx_totp_user_verified"`
	Name       string          `gorm:"default:''"`
	LastUsedAt *time.Time
}

// -----------------------------------------------------------------------------
// Device authorization (RFC 8628)
// -----------------------------------------------------------------------------

// DeviceAuthorization is one in-flight device flow. The device code is stored
// as a SHA-256 hex digest; the human-facing user code is stored as entered
// (vowel-free alphabet, "XXXX-XXXX").
//
// Status transitions: pending -> authorized | denied. Authorized and denied
// rows are deleted on the next poll; expired rows are swept by the reaper.
type DeviceAuthorization struct {
	Base
	DeviceCodeHash string     `gorm:"not null;uniqueIndex"`
	UserCode       string     `gorm:"not null;uniqueIndex"`
	ExpiresAt      time.Time  `gorm:"not null;index"`
	Interval       int        `gorm:"not null;default:5"` // minimum poll interval, seconds
	Status         string     `gorm:"not null;default:'pending'"`
	UserID         *uuid.UUID `gorm:"type:text"`
	SessionID      *uuid.UUID `gorm:"type:text"`
	LastPolledAt   *time.Time
}

// Device authorization statuses.
const (
	DeviceStatusPending    = "pending"
	DeviceStatusAuthorized = "authorized"
	DeviceStatusDenied     = "denied"
)
