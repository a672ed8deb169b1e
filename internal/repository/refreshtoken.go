package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/authgate-io/authgate/internal/db"
)

// RefreshTokenRepository provides access to the per-session refresh-token
// rotation trees. Tokens are never deleted individually — they are marked
// used, replaced by a child, or removed as a whole session sweep.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.RefreshToken, error)
	Update(ctx context.Context, token *db.RefreshToken) error

	// GetActiveChild returns the unique unused token in the session whose
	// parent is parentID. This is the "idempotent retry" lookup of the
	// refresh state machine.
	GetActiveChild(ctx context.Context, sessionID, parentID uuid.UUID) (*db.RefreshToken, error)

	// GetActive returns the unique unused token of the session regardless of
	// parent (first_used_time IS NULL).
	GetActive(ctx context.Context, sessionID uuid.UUID) (*db.RefreshToken, error)

	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]db.RefreshToken, error)

	// DeleteBySession removes every token of the session. Fires on sign-out,
	// session deletion, and theft detection (subtree invalidation — each
	// session owns exactly one tree, so the sweep is the whole table slice).
	DeleteBySession(ctx context.Context, sessionID uuid.UUID) error

	// DeleteOrphaned removes tokens whose session no longer exists.
	DeleteOrphaned(ctx context.Context) (int64, error)
}

type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the
// provided *gorm.DB.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh tokens: create: %w", err)
	}
	return nil
}

func (r *gormRefreshTokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get by id: %w", err)
	}
	return &token, nil
}

func (r *gormRefreshTokenRepository) Update(ctx context.Context, token *db.RefreshToken) error {
	result := r.db.WithContext(ctx).Save(token)
	if result.Error != nil {
		return fmt.Errorf("refresh tokens: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRefreshTokenRepository) GetActiveChild(ctx context.Context, sessionID, parentID uuid.UUID) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).
		First(&token, "session_id = ? AND parent_refresh_token_id = ? AND first_used_time IS NULL", sessionID, parentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get active child: %w", err)
	}
	return &token, nil
}

func (r *gormRefreshTokenRepository) GetActive(ctx context.Context, sessionID uuid.UUID) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).
		First(&token, "session_id = ? AND first_used_time IS NULL", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get active: %w", err)
	}
	return &token, nil
}

func (r *gormRefreshTokenRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]db.RefreshToken, error) {
	var tokens []db.RefreshToken
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&tokens, "session_id = ?", sessionID).Error
	if err != nil {
		return nil, fmt.Errorf("refresh tokens: list by session: %w", err)
	}
	return tokens, nil
}

func (r *gormRefreshTokenRepository) DeleteBySession(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.RefreshToken{}, "session_id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("refresh tokens: delete by session: %w", err)
	}
	return nil
}

func (r *gormRefreshTokenRepository) DeleteOrphaned(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Delete(&db.RefreshToken{}, "session_id NOT IN (SELECT id FROM sessions)")
	if result.Error != nil {
		return 0, fmt.Errorf("refresh tokens: delete orphaned: %w", result.Error)
	}
	return result.RowsAffected, nil
}
