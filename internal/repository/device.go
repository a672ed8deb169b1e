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

// DeviceRepository provides access to in-flight device-authorization rows.
// Lookups go through the hashed device code (the polling device's secret) or
// the user code (what the signed-in user types in).
type DeviceRepository interface {
	Create(ctx context.Context, device *db.DeviceAuthorization) error
	GetByDeviceCodeHash(ctx context.Context, hash string) (*db.DeviceAuthorization, error)
	GetByUserCode(ctx context.Context, userCode string) (*db.DeviceAuthorization, error)
	Update(ctx context.Context, device *db.DeviceAuthorization) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type gormDeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository returns a DeviceRepository backed by the provided *gorm.DB.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &gormDeviceRepository{db: db}
}

func (r *gormDeviceRepository) Create(ctx context.Context, device *db.DeviceAuthorization) error {
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("devices: create: %w", err)
	}
	return nil
}

func (r *gormDeviceRepository) GetByDeviceCodeHash(ctx context.Context, hash string) (*db.DeviceAuthorization, error) {
	var device db.DeviceAuthorization
	err := r.db.WithContext(ctx).First(&device, "device_code_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by device code hash: %w", err)
	}
	return &device, nil
}

func (r *gormDeviceRepository) GetByUserCode(ctx context.Context, userCode string) (*db.DeviceAuthorization, error) {
	var device db.DeviceAuthorization
	err := r.db.WithContext(ctx).First(&device, "user_code = ?", userCode).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by user code: %w", err)
	}
	return &device, nil
}

func (r *gormDeviceRepository) Update(ctx context.Context, device *db.DeviceAuthorization) error {
	result := r.db.WithContext(ctx).Save(device)
	if result.Error != nil {
		return fmt.Errorf("devices: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.DeviceAuthorization{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("devices: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.DeviceAuthorization{}, "expires_at < ?", before)
	if result.Error != nil {
		return 0, fmt.Errorf("devices: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
