package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// TOTPRepository provides access to TOTP enrollments. The (user, verified)
// index backs both the second-factor gate (any verified row?) and the
// confirm round (the pending unverified row).
type TOTPRepository interface {
	Create(ctx context.Context, totp *db.TOTPCredential) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.TOTPCredential, error)
	GetVerifiedByUser(ctx context.Context, userID uuid.UUID) (*db.TOTPCredential, error)
	GetUnverifiedByUser(ctx context.Context, userID uuid.UUID) (*db.TOTPCredential, error)
	Update(ctx context.Context, totp *db.TOTPCredential) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormTOTPRepository struct {
	db *gorm.DB
}

// NewTOTPRepository returns a TOTPRepository backed by the provided *gorm.DB.
func NewTOTPRepository(db *gorm.DB) TOTPRepository {
	return &gormTOTPRepository{db: db}
}

func (r *gormTOTPRepository) Create(ctx context.Context, totp *db.TOTPCredential) error {
	if err := r.db.WithContext(ctx).Create(totp).Error; err != nil {
		return fmt.Errorf("totp: create: %w", err)
	}
	return nil
}

func (r *gormTOTPRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.TOTPCredential, error) {
	var totp db.TOTPCredential
	err := r.db.WithContext(ctx).First(&totp, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("totp: get by id: %w", err)
	}
	return &totp, nil
}

func (r *gormTOTPRepository) GetVerifiedByUser(ctx context.Context, userID uuid.UUID) (*db.TOTPCredential, error) {
	var totp db.TOTPCredential
	err := r.db.WithContext(ctx).
		First(&totp, "user_id = ? AND verified = ?", userID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("totp: get verified by user: %w", err)
	}
	return &totp, nil
}

func (r *gormTOTPRepository) GetUnverifiedByUser(ctx context.Context, userID uuid.UUID) (*db.TOTPCredential, error) {
	var totp db.TOTPCredential
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&totp, "user_id = ? AND verified = ?", userID, false).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("totp: get unverified by user: %w", err)
	}
	return &totp, nil
}

func (r *gormTOTPRepository) Update(ctx context.Context, totp *db.TOTPCredential) error {
	result := r.db.WithContext(ctx).Save(totp)
	if result.Error != nil {
		return fmt.Errorf("totp: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTOTPRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.TOTPCredential{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("totp: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
