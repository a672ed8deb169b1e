package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

// apiKeyRandomLength is the random part appended to the configured prefix.
const apiKeyRandomLength = 32

// Scope grants actions on one resource. Resource "*" or an action "*"
// matches anything.
type Scope struct {
	Resource string   `json:"resource"`
	Actions  []string `json:"actions"`
}

// ScopesAllow reports whether any scope in the set permits the action on the
// resource.
func ScopesAllow(scopes []Scope, resource, action string) bool {
	for _, s := range scopes {
		if s.Resource != "*" && s.Resource != resource {
			continue
		}
		for _, a := range s.Actions {
			if a == "*" || a == action {
				return true
			}
		}
	}
	return false
}

// scopesOf decodes the JSON scopes column.
func scopesOf(key *db.APIKey) []Scope {
	var scopes []Scope
	if err := json.Unmarshal([]byte(key.Scopes), &scopes); err != nil {
		return nil
	}
	return scopes
}

// validateScopes checks a requested scope set against the configured
// allow-list. Every requested (resource, action) pair must be grantable.
func validateScopes(cfg *Config, requested []Scope) error {
	if len(requested) == 0 {
		return ErrAPIKeyInvalidScope
	}
	for _, s := range requested {
		if s.Resource == "" || len(s.Actions) == 0 {
			return ErrAPIKeyInvalidScope
		}
		for _, a := range s.Actions {
			if !ScopesAllow(cfg.APIKeys.Scopes, s.Resource, a) {
				return ErrAPIKeyInvalidScope
			}
		}
	}
	return nil
}

// createAPIKey mints a key for the user. The raw key is returned exactly
// once; only its SHA-256 digest and a short display prefix are stored.
func createAPIKey(ctx context.Context, store *repository.Store, cfg *Config, userID uuid.UUID, name string, scopes []Scope, expiresAt *time.Time, limit *APIKeyRateLimit) (string, *db.APIKey, error) {
	if err := validateScopes(cfg, scopes); err != nil {
		return "", nil, err
	}

	random, err := generateCode(apiKeyRandomLength)
	if err != nil {
		return "", nil, err
	}
	raw := cfg.APIKeys.Prefix + random

	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return "", nil, fmt.Errorf("api key: encoding scopes: %w", err)
	}

	key := &db.APIKey{
		UserID:    userID,
		Prefix:    cfg.APIKeys.Prefix + random[:4] + "...",
		HashedKey: sha256Hex(raw),
		Name:      name,
		Scopes:    string(scopesJSON),
		ExpiresAt: expiresAt,
	}

	if limit == nil {
		limit = cfg.APIKeys.DefaultRateLimit
	}
	if limit != nil {
		max := limit.Max
		window := limit.Window.Milliseconds()
		remaining := float64(limit.Max)
		now := time.Now()
		key.RateLimitMax = &max
		key.RateLimitWindow = &window
		key.BucketRemaining = &remaining
		key.BucketUpdatedAt = &now
	}

	if err := store.APIKeys.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("api key: create: %w", err)
	}
	return raw, key, nil
}

// verifyAPIKey authenticates a raw key and authorizes one (resource, action)
// against its scopes, consuming one token from the key's bucket. Checks run
// cheapest-first and every persisted change (bucket level, last use) lands
// in a single update.
func verifyAPIKey(ctx context.Context, store *repository.Store, raw, resource, action string) (*db.APIKey, error) {
	key, err := store.APIKeys.GetByHashedKey(ctx, sha256Hex(raw))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("api key: lookup: %w", err)
	}

	now := time.Now()
	if key.Revoked {
		return nil, ErrAPIKeyRevoked
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrAPIKeyExpired
	}
	if !ScopesAllow(scopesOf(key), resource, action) {
		return nil, ErrAPIKeyInvalidScope
	}

	if key.RateLimitMax != nil && key.RateLimitWindow != nil {
		capacity := float64(*key.RateLimitMax)
		window := time.Duration(*key.RateLimitWindow) * time.Millisecond

		remaining := capacity
		updatedAt := now
		if key.BucketRemaining != nil && key.BucketUpdatedAt != nil {
			remaining = *key.BucketRemaining
			updatedAt = *key.BucketUpdatedAt
		}

		level := bucketLevel(capacity, window, remaining, updatedAt, now)
		if level < 1 {
			key.BucketRemaining = &level
			key.BucketUpdatedAt = &now
			if err := store.APIKeys.Update(ctx, key); err != nil {
				return nil, fmt.Errorf("api key: recording throttle: %w", err)
			}
			return nil, ErrAPIKeyRateLimited
		}
		level--
		key.BucketRemaining = &level
		key.BucketUpdatedAt = &now
	}

	key.LastUsedAt = &now
	if err := store.APIKeys.Update(ctx, key); err != nil {
		return nil, fmt.Errorf("api key: recording use: %w", err)
	}
	return key, nil
}

// listAPIKeys returns the user's keys, raw material long gone.
func listAPIKeys(ctx context.Context, store *repository.Store, userID uuid.UUID) ([]db.APIKey, error) {
	return store.APIKeys.ListByUser(ctx, userID)
}

// getAPIKey loads one key, enforcing ownership.
func getAPIKey(ctx context.Context, store *repository.Store, userID, keyID uuid.UUID) (*db.APIKey, error) {
	key, err := store.APIKeys.GetByID(ctx, keyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if key.UserID != userID {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// updateAPIKey renames a key or narrows its scopes.
func updateAPIKey(ctx context.Context, store *repository.Store, cfg *Config, userID, keyID uuid.UUID, name *string, scopes []Scope) (*db.APIKey, error) {
	key, err := getAPIKey(ctx, store, userID, keyID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		key.Name = *name
	}
	if scopes != nil {
		if err := validateScopes(cfg, scopes); err != nil {
			return nil, err
		}
		scopesJSON, err := json.Marshal(scopes)
		if err != nil {
			return nil, fmt.Errorf("api key: encoding scopes: %w", err)
		}
		key.Scopes = string(scopesJSON)
	}
	if err := store.APIKeys.Update(ctx, key); err != nil {
		return nil, fmt.Errorf("api key: update: %w", err)
	}
	return key, nil
}

// revokeAPIKey disables a key immediately without deleting its audit trail.
func revokeAPIKey(ctx context.Context, store *repository.Store, userID, keyID uuid.UUID) error {
	key, err := getAPIKey(ctx, store, userID, keyID)
	if err != nil {
		return err
	}
	key.Revoked = true
	if err := store.APIKeys.Update(ctx, key); err != nil {
		return fmt.Errorf("api key: revoke: %w", err)
	}
	return nil
}

// removeAPIKey deletes a key outright.
func removeAPIKey(ctx context.Context, store *repository.Store, userID, keyID uuid.UUID) error {
	key, err := getAPIKey(ctx, store, userID, keyID)
	if err != nil {
		return err
	}
	if err := store.APIKeys.Delete(ctx, key.ID); err != nil {
		return fmt.Errorf("api key: delete: %w", err)
	}
	return nil
}
