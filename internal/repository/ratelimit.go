package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// RateLimitRepository provides access to persisted token-bucket rows keyed
// by an opaque identifier.
type RateLimitRepository interface {
	GetByIdentifier(ctx context.Context, identifier string) (*db.RateLimit, error)
	Create(ctx context.Context, limit *db.RateLimit) error
	Update(ctx context.Context, limit *db.RateLimit) error
	DeleteByIdentifier(ctx context.Context, identifier string) error

	// DeleteStale removes buckets untouched since the given instant. A bucket
	// that old has fully refilled and carries no information.
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

type gormRateLimitRepository struct {
	db *gorm.DB
}

// NewRateLimitRepository returns a RateLimitRepository backed by the provided *gorm.DB.
func NewRateLimitRepository(db *gorm.DB) RateLimitRepository {
	return &gormRateLimitRepository{db: db}
}

func (r *gormRateLimitRepository) GetByIdentifier(ctx context.Context, identifier string) (*db.RateLimit, error) {
	var limit db.RateLimit
	err := r.db.WithContext(ctx).First(&limit, "identifier = ?", identifier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rate limits: get by identifier: %w", err)
	}
	return &limit, nil
}

func (r *gormRateLimitRepository) Create(ctx context.Context, limit *db.RateLimit) error {
	if err := r.db.WithContext(ctx).Create(limit).Error; err != nil {
		return fmt.Errorf("rate limits: create: %w", err)
	}
	return nil
}

func (r *gormRateLimitRepository) Update(ctx context.Context, limit *db.RateLimit) error {
	result := r.db.WithContext(ctx).Save(limit)
	if result.Error != nil {
		return fmt.Errorf("rate limits: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByIdentifier removes the bucket. Missing rows are not an error —
// success paths reset buckets that may never have been created.
func (r *gormRateLimitRepository) DeleteByIdentifier(ctx context.Context, identifier string) error {
	if err := r.db.WithContext(ctx).Delete(&db.RateLimit{}, "identifier = ?", identifier).Error; err != nil {
		return fmt.Errorf("rate limits: delete by identifier: %w", err)
	}
	return nil
}

func (r *gormRateLimitRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.RateLimit{}, "last_attempt_time < ?", before)
	if result.Error != nil {
		return 0, fmt.Errorf("rate limits: delete stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}
