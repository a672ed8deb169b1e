// Package repository provides typed CRUD access to the identity entities.
// Each entity has one interface and one GORM-backed implementation; the auth
// core depends only on the interfaces. The Store bundle groups all
// repositories behind a single transaction boundary.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles every repository over one *gorm.DB handle. The auth core
// receives a Store and runs each state-mutating operation inside Transact so
// that partial states (a verification code consumed but no session created,
// a refresh token rotated twice) can never be observed.
type Store struct {
	Users             UserRepository
	Accounts          AccountRepository
	Sessions          SessionRepository
	RefreshTokens     RefreshTokenRepository
	VerificationCodes VerificationCodeRepository
	Verifiers         VerifierRepository
	RateLimits        RateLimitRepository
	APIKeys           APIKeyRepository
	Passkeys          PasskeyRepository
	TOTP              TOTPRepository
	Devices           DeviceRepository

	db *gorm.DB
}

// NewStore creates a Store whose repositories all share the given handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		Users:             NewUserRepository(db),
		Accounts:          NewAccountRepository(db),
		Sessions:          NewSessionRepository(db),
		RefreshTokens:     NewRefreshTokenRepository(db),
		VerificationCodes: NewVerificationCodeRepository(db),
		Verifiers:         NewVerifierRepository(db),
		RateLimits:        NewRateLimitRepository(db),
		APIKeys:           NewAPIKeyRepository(db),
		Passkeys:          NewPasskeyRepository(db),
		TOTP:              NewTOTPRepository(db),
		Devices:           NewDeviceRepository(db),
	}
}

// NewStoreWithDB is NewStore but keeps the handle for Transact. Use this for
// the top-level store; stores created inside a transaction use NewStore.
func NewStoreWithDB(db *gorm.DB) *Store {
	s := NewStore(db)
	s.db = db
	return s
}

// Transact runs fn against a Store bound to a single database transaction.
// The transaction commits when fn returns nil and rolls back on any error,
// so an aborted sign-in flow leaves no partial mutations behind.
//
// Calling Transact on a Store that is already inside a transaction runs fn
// directly against the enclosing transaction, which keeps helpers composable.
func (s *Store) Transact(ctx context.Context, fn func(*Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
