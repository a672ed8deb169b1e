package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// APIKeyRepository provides access to API-key records. Keys are addressed by
// their SHA-256 hash — no index exists on raw key material, by construction.
type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error)
	GetByHashedKey(ctx context.Context, hashedKey string) (*db.APIKey, error)
	Update(ctx context.Context, key *db.APIKey) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.APIKey, error)
}

type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided *gorm.DB.
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: db}
}

func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

func (r *gormAPIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by id: %w", err)
	}
	return &key, nil
}

func (r *gormAPIKeyRepository) GetByHashedKey(ctx context.Context, hashedKey string) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "hashed_key = ?", hashedKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by hashed key: %w", err)
	}
	return &key, nil
}

func (r *gormAPIKeyRepository) Update(ctx context.Context, key *db.APIKey) error {
	result := r.db.WithContext(ctx).Save(key)
	if result.Error != nil {
		return fmt.Errorf("api keys: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAPIKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.APIKey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("api keys: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAPIKeyRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.APIKey, error) {
	var keys []db.APIKey
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&keys, "user_id = ?", userID).Error
	if err != nil {
		return nil, fmt.Errorf("api keys: list by user: %w", err)
	}
	return keys, nil
}
