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

// VerificationCodeRepository provides access to single-use verification
// codes. A successful verification deletes the row; the reaper removes
// expired leftovers.
type VerificationCodeRepository interface {
	Create(ctx context.Context, code *db.VerificationCode) error
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*db.VerificationCode, error)
	GetByCode(ctx context.Context, code string) (*db.VerificationCode, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteByAccount removes any outstanding code for the account. Issuing
	// a new code always replaces the previous one.
	DeleteByAccount(ctx context.Context, accountID uuid.UUID) error

	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type gormVerificationCodeRepository struct {
	db *gorm.DB
}

// NewVerificationCodeRepository returns a VerificationCodeRepository backed
// by the provided *gorm.DB.
func NewVerificationCodeRepository(db *gorm.DB) VerificationCodeRepository {
	return &gormVerificationCodeRepository{db: db}
}

func (r *gormVerificationCodeRepository) Create(ctx context.Context, code *db.VerificationCode) error {
	if err := r.db.WithContext(ctx).Create(code).Error; err != nil {
		return fmt.Errorf("verification codes: create: %w", err)
	}
	return nil
}

func (r *gormVerificationCodeRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*db.VerificationCode, error) {
	var code db.VerificationCode
	err := r.db.WithContext(ctx).First(&code, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verification codes: get by account: %w", err)
	}
	return &code, nil
}

func (r *gormVerificationCodeRepository) GetByCode(ctx context.Context, value string) (*db.VerificationCode, error) {
	var code db.VerificationCode
	err := r.db.WithContext(ctx).First(&code, "code = ?", value).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verification codes: get by code: %w", err)
	}
	return &code, nil
}

func (r *gormVerificationCodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.VerificationCode{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("verification codes: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormVerificationCodeRepository) DeleteByAccount(ctx context.Context, accountID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.VerificationCode{}, "account_id = ?", accountID).Error; err != nil {
		return fmt.Errorf("verification codes: delete by account: %w", err)
	}
	return nil
}

func (r *gormVerificationCodeRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.VerificationCode{}, "expiration_time < ?", before)
	if result.Error != nil {
		return 0, fmt.Errorf("verification codes: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
