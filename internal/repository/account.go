package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// AccountRepository provides access to account records. The
// (provider, provider_account_id) pair is the external identity key and is
// unique across the table.
type AccountRepository interface {
	Create(ctx context.Context, account *db.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*db.Account, error)
	Update(ctx context.Context, account *db.Account) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Account, error)
}

type gormAccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository returns an AccountRepository backed by the provided *gorm.DB.
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: db}
}

func (r *gormAccountRepository) Create(ctx context.Context, account *db.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("accounts: create: %w", err)
	}
	return nil
}

func (r *gormAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by id: %w", err)
	}
	return &account, nil
}

func (r *gormAccountRepository) GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).
		First(&account, "provider = ? AND provider_account_id = ?", provider, providerAccountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by provider account: %w", err)
	}
	return &account, nil
}

func (r *gormAccountRepository) Update(ctx context.Context, account *db.Account) error {
	result := r.db.WithContext(ctx).Save(account)
	if result.Error != nil {
		return fmt.Errorf("accounts: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Account{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("accounts: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAccountRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Account, error) {
	var accounts []db.Account
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&accounts, "user_id = ?", userID).Error
	if err != nil {
		return nil, fmt.Errorf("accounts: list by user: %w", err)
	}
	return accounts, nil
}
