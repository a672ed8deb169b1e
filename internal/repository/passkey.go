package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// PasskeyRepository provides access to registered WebAuthn credentials.
type PasskeyRepository interface {
	Create(ctx context.Context, passkey *db.Passkey) error
	GetByCredentialID(ctx context.Context, credentialID string) (*db.Passkey, error)
	Update(ctx context.Context, passkey *db.Passkey) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Passkey, error)
}

type gormPasskeyRepository struct {
	db *gorm.DB
}

// NewPasskeyRepository returns a PasskeyRepository backed by the provided *gorm.DB.
func NewPasskeyRepository(db *gorm.DB) PasskeyRepository {
	return &gormPasskeyRepository{db: db}
}

func (r *gormPasskeyRepository) Create(ctx context.Context, passkey *db.Passkey) error {
	if err := r.db.WithContext(ctx).Create(passkey).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("passkeys: create: %w", err)
	}
	return nil
}

func (r *gormPasskeyRepository) GetByCredentialID(ctx context.Context, credentialID string) (*db.Passkey, error) {
	var passkey db.Passkey
	err := r.db.WithContext(ctx).First(&passkey, "credential_id = ?", credentialID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("passkeys: get by credential id: %w", err)
	}
	return &passkey, nil
}

func (r *gormPasskeyRepository) Update(ctx context.Context, passkey *db.Passkey) error {
	result := r.db.WithContext(ctx).Save(passkey)
	if result.Error != nil {
		return fmt.Errorf("passkeys: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPasskeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Passkey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("passkeys: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPasskeyRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Passkey, error) {
	var passkeys []db.Passkey
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&passkeys, "user_id = ?", userID).Error
	if err != nil {
		return nil, fmt.Errorf("passkeys: list by user: %w", err)
	}
	return passkeys, nil
}
