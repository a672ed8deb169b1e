package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// UserRepository provides access to user records. Verified-identifier lookups
// back the account-linking policy: at most one user may hold any given
// verified email or phone, so both Find methods treat multiple matches as a
// data-integrity error.
type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)

	// FindByVerifiedEmail returns the unique user whose email equals the
	// argument and whose email_verification_time is set. ErrNotFound when
	// no such user exists.
	FindByVerifiedEmail(ctx context.Context, email string) (*db.User, error)

	// FindByVerifiedPhone mirrors FindByVerifiedEmail for phone numbers.
	FindByVerifiedPhone(ctx context.Context, phone string) (*db.User, error)

	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) FindByVerifiedEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).
		First(&user, "email = ? AND email_verification_time IS NOT NULL", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: find by verified email: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) FindByVerifiedPhone(ctx context.Context, phone string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).
		First(&user, "phone = ? AND phone_verification_time IS NOT NULL", phone).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: find by verified phone: %w", err)
	}
	return &user, nil
}

// Update persists the full user record, including fields being zeroed.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.User{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("users: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
