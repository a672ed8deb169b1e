package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// VerifierRepository provides access to short-lived ceremony state rows.
type VerifierRepository interface {
	Create(ctx context.Context, verifier *db.Verifier) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Verifier, error)
	GetBySignature(ctx context.Context, signature string) (*db.Verifier, error)
	Update(ctx context.Context, verifier *db.Verifier) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type gormVerifierRepository struct {
	db *gorm.DB
}

// NewVerifierRepository returns a VerifierRepository backed by the provided *gorm.DB.
func NewVerifierRepository(db *gorm.DB) VerifierRepository {
	return &gormVerifierRepository{db: db}
}

func (r *gormVerifierRepository) Create(ctx context.Context, verifier *db.Verifier) error {
	if err := r.db.WithContext(ctx).Create(verifier).Error; err != nil {
		return fmt.Errorf("verifiers: create: %w", err)
	}
	return nil
}

func (r *gormVerifierRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Verifier, error) {
	var verifier db.Verifier
	err := r.db.WithContext(ctx).First(&verifier, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verifiers: get by id: %w", err)
	}
	return &verifier, nil
}

func (r *gormVerifierRepository) GetBySignature(ctx context.Context, signature string) (*db.Verifier, error) {
	var verifier db.Verifier
	err := r.db.WithContext(ctx).First(&verifier, "signature = ?", signature).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verifiers: get by signature: %w", err)
	}
	return &verifier, nil
}

func (r *gormVerifierRepository) Update(ctx context.Context, verifier *db.Verifier) error {
	result := r.db.WithContext(ctx).Save(verifier)
	if result.Error != nil {
		return fmt.Errorf("verifiers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the verifier. Consuming a verifier that is already gone is
// not an error — ceremony teardown paths may overlap.
func (r *gormVerifierRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Verifier{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("verifiers: delete: %w", err)
	}
	return nil
}

func (r *gormVerifierRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.Verifier{}, "expiration_time < ?", before)
	if result.Error != nil {
		return 0, fmt.Errorf("verifiers: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
