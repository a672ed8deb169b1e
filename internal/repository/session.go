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

// SessionRepository provides access to session records.
type SessionRepository interface {
	Create(ctx context.Context, session *db.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Session, error)

	// DeleteExpired removes sessions whose expiration_time is before the
	// given instant. Used by the reaper; refresh tokens of deleted sessions
	// are swept separately by RefreshTokenRepository.DeleteOrphaned.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

func (r *gormSessionRepository) Create(ctx context.Context, session *db.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &session, nil
}

// Delete removes the session row. Deleting a session that is already gone is
// not an error — sign-out and theft invalidation may race.
func (r *gormSessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Session, error) {
	var sessions []db.Session
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&sessions, "user_id = ?", userID).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list by user: %w", err)
	}
	return sessions, nil
}

func (r *gormSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.Session{}, "expiration_time < ?", before)
	if result.Error != nil {
		return 0, fmt.Errorf("sessions: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
