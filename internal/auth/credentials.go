package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

// Argon2id parameters for the default secret hasher.
const (
	argonMemory  = 64 * 1024 // KiB
	argonTime    = 3
	argonThreads = 4
	argonSaltLen = 16
	argonKeyLen  = 32
)

// defaultCrypto returns the built-in Argon2id hasher used when a credentials
// provider supplies no Crypto of its own. Hashes use the standard
// $argon2id$... encoding so parameters can change without invalidating
// stored secrets.
func defaultCrypto() *Crypto {
	return &Crypto{
		HashSecret:   argon2idHash,
		VerifySecret: argon2idVerify,
	}
}

func argon2idHash(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credentials: generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func argon2idVerify(secret, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidSecret
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return ErrInvalidSecret
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return ErrInvalidSecret
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidSecret
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrInvalidSecret
	}

	got := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

func (p *Provider) crypto() *Crypto {
	if p.Crypto != nil {
		return p.Crypto
	}
	return defaultCrypto()
}

// createCredentialsUser registers a new password account under the given
// identifier (normally an email address, stored unverified) and returns the
// user it belongs to. An identifier already registered with this provider
// yields ErrAccountAlreadyExists.
func createCredentialsUser(ctx context.Context, store *repository.Store, cfg *Config, provider *Provider, identifier, secret string) (userID uuid.UUID, err error) {
	if provider.Type != ProviderTypeCredentials {
		return userID, ErrInvalidCredentialsProvider
	}
	if identifier == "" || secret == "" {
		return userID, ErrSignInMissingParams
	}

	_, err = store.Accounts.GetByProviderAccount(ctx, provider.ID, identifier)
	if err == nil {
		return userID, ErrAccountAlreadyExists
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return userID, fmt.Errorf("credentials: account lookup: %w", err)
	}

	crypto := provider.crypto()
	if crypto.HashSecret == nil || crypto.VerifySecret == nil {
		return userID, ErrMissingCryptoFunction
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return userID, fmt.Errorf("credentials: hashing secret: %w", err)
	}

	email := identifier
	resolvedID, account, err := upsertUserAndAccount(ctx, store, cfg, CreateOrUpdateUserArgs{
		Provider: provider,
		Profile:  Profile{ID: identifier, Email: &email},
	})
	if err != nil {
		return userID, err
	}

	account.Secret = db.EncryptedString(hash)
	if err := store.Accounts.Update(ctx, account); err != nil {
		return userID, fmt.Errorf("credentials: storing secret: %w", err)
	}
	return resolvedID, nil
}

// verifyCredentials checks a secret against the stored hash, enforcing the
// per-account rate limit. The bucket is keyed by account ID, consumed on
// mismatch, and discarded on success.
func verifyCredentials(ctx context.Context, store *repository.Store, limiter *RateLimiter, provider *Provider, identifier, secret string) (uuid.UUID, error) {
	var userID uuid.UUID
	if provider.Type != ProviderTypeCredentials {
		return userID, ErrInvalidCredentialsProvider
	}
	if identifier == "" || secret == "" {
		return userID, ErrSignInMissingParams
	}

	account, err := store.Accounts.GetByProviderAccount(ctx, provider.ID, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return userID, ErrAccountNotFound
		}
		return userID, fmt.Errorf("credentials: account lookup: %w", err)
	}

	if err := limiter.Check(ctx, store, account.ID.String()); err != nil {
		return userID, err
	}

	crypto := provider.crypto()
	if crypto.VerifySecret == nil {
		return userID, ErrMissingCryptoFunction
	}
	if err := crypto.VerifySecret(secret, string(account.Secret)); err != nil {
		if recordErr := limiter.RecordFailure(ctx, store, account.ID.String()); recordErr != nil {
			return userID, fmt.Errorf("credentials: recording failure: %w", recordErr)
		}
		return userID, ErrInvalidSecret
	}

	if err := limiter.Reset(ctx, store, account.ID.String()); err != nil {
		return userID, fmt.Errorf("credentials: resetting limiter: %w", err)
	}
	return account.UserID, nil
}

// updateCredentialsSecret rehashes and replaces an account's secret. Used by
// password-change flows after the caller has re-authenticated.
func updateCredentialsSecret(ctx context.Context, store *repository.Store, provider *Provider, identifier, newSecret string) error {
	account, err := store.Accounts.GetByProviderAccount(ctx, provider.ID, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("credentials: account lookup: %w", err)
	}

	crypto := provider.crypto()
	if crypto.HashSecret == nil {
		return ErrMissingCryptoFunction
	}
	hash, err := crypto.HashSecret(newSecret)
	if err != nil {
		return fmt.Errorf("credentials: hashing secret: %w", err)
	}
	account.Secret = db.EncryptedString(hash)
	if err := store.Accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("credentials: storing secret: %w", err)
	}
	return nil
}
