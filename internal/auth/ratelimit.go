package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

const (
	// defaultRateLimitCapacity is how many failed attempts an identifier may
	// accumulate before being locked out, absent explicit configuration.
	defaultRateLimitCapacity = 10

	// defaultRateLimitWindow is the interval over which a drained bucket
	// fully refills.
	defaultRateLimitWindow = time.Hour
)

// RateLimiter is a persisted token bucket. Each identifier owns one row; the
// bucket refills continuously at capacity/window tokens per elapsed time, so
// attackers cannot wait for a discrete reset instant.
//
// The limiter survives process restarts because state lives in the database,
// which is the point: a credential-stuffing run must not get a fresh bucket
// just because the server redeployed.
type RateLimiter struct {
	capacity float64
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing capacity attempts per window.
// Non-positive inputs fall back to 10 attempts per hour.
func NewRateLimiter(capacity int, window time.Duration) *RateLimiter {
	if capacity <= 0 {
		capacity = defaultRateLimitCapacity
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{capacity: float64(capacity), window: window}
}

// refilled returns the bucket level after continuous refill since the last
// attempt, clamped at capacity.
func (l *RateLimiter) refilled(attemptsLeft float64, lastAttempt, now time.Time) float64 {
	elapsed := now.Sub(lastAttempt)
	if elapsed < 0 {
		elapsed = 0
	}
	refill := l.capacity * float64(elapsed.Milliseconds()) / float64(l.window.Milliseconds())
	level := attemptsLeft + refill
	if level > l.capacity {
		level = l.capacity
	}
	return level
}

// Check reports whether the identifier has at least one attempt left. It does
// not consume a token; call RecordFailure after a failed attempt. Returns
// ErrTooManyFailedAttempts when the bucket is empty.
func (l *RateLimiter) Check(ctx context.Context, store *repository.Store, identifier string) error {
	row, err := store.RateLimits.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("rate limiter: check: %w", err)
	}
	if l.refilled(row.AttemptsLeft, row.LastAttemptTime, time.Now()) < 1 {
		return ErrTooManyFailedAttempts
	}
	return nil
}

// RecordFailure consumes one token from the identifier's bucket, creating the
// row on first failure. The bucket may go slightly negative when concurrent
// failures race; that only lengthens the lockout, never shortens it.
func (l *RateLimiter) RecordFailure(ctx context.Context, store *repository.Store, identifier string) error {
	now := time.Now()

	row, err := store.RateLimits.GetByIdentifier(ctx, identifier)
	if errors.Is(err, repository.ErrNotFound) {
		return store.RateLimits.Create(ctx, &db.RateLimit{
			Identifier:      identifier,
			AttemptsLeft:    l.capacity - 1,
			LastAttemptTime: now,
		})
	}
	if err != nil {
		return fmt.Errorf("rate limiter: record failure: %w", err)
	}

	row.AttemptsLeft = l.refilled(row.AttemptsLeft, row.LastAttemptTime, now) - 1
	row.LastAttemptTime = now
	return store.RateLimits.Update(ctx, row)
}

// Reset discards the identifier's bucket. Called after a successful
// verification so legitimate users who eventually remember their password
// start clean.
func (l *RateLimiter) Reset(ctx context.Context, store *repository.Store, identifier string) error {
	return store.RateLimits.DeleteByIdentifier(ctx, identifier)
}

// bucketLevel computes the current level of an arbitrary persisted bucket
// given its stored remainder and last update. Shared with the API-key per-key
// limiter, which stores its bucket inline on the key row instead of in the
// rate_limits table.
func bucketLevel(capacity float64, window time.Duration, remaining float64, updatedAt, now time.Time) float64 {
	elapsed := now.Sub(updatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	level := remaining + capacity*float64(elapsed.Milliseconds())/float64(window.Milliseconds())
	if level > capacity {
		level = capacity
	}
	return level
}
