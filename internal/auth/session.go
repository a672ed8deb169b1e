package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/metrics"
	"github.com/authgate-io/authgate/internal/repository"
)

const (
	// defaultSessionDuration is how long a session lives from sign-in,
	// regardless of activity.
	defaultSessionDuration = 30 * 24 * time.Hour

	// defaultReuseWindow is the grace period after a refresh token's first
	// use during which presenting it again returns the same successor pair.
	// Covers network retries without opening a replay hole.
	defaultReuseWindow = 10 * time.Second
)

// Tokens is the pair handed to a client after sign-in or refresh.
type Tokens struct {
	// Token is the signed access JWT.
	Token string `json:"token"`
	// RefreshToken is the opaque "<refreshTokenID>|<sessionID>" string.
	RefreshToken string `json:"refreshToken"`
}

// SessionManager owns the session and refresh-token lifecycle: creation at
// sign-in, rotation on refresh, reuse detection, and invalidation.
//
// Refresh tokens form a tree per session. Each use of an unused token marks
// it used and mints a child; reuse inside the window is an idempotent retry,
// reuse outside it is treated as theft and burns the whole session.
type SessionManager struct {
	jwt             *JWTManager
	logger          *zap.Logger
	sessionDuration time.Duration

	// ReuseWindow is exported so tests can shrink it below real time scales.
	ReuseWindow time.Duration
}

// NewSessionManager creates a SessionManager. A non-positive sessionDuration
// falls back to 30 days.
func NewSessionManager(jwt *JWTManager, logger *zap.Logger, sessionDuration time.Duration) *SessionManager {
	if sessionDuration <= 0 {
		sessionDuration = defaultSessionDuration
	}
	return &SessionManager{
		jwt:             jwt,
		logger:          logger.Named("session"),
		sessionDuration: sessionDuration,
		ReuseWindow:     defaultReuseWindow,
	}
}

// SignIn creates a fresh session for the user with a root refresh token and
// returns the first token pair.
func (m *SessionManager) SignIn(ctx context.Context, store *repository.Store, userID uuid.UUID) (*Tokens, error) {
	session, err := m.CreateSession(ctx, store, userID)
	if err != nil {
		return nil, err
	}
	return m.IssueForSession(ctx, store, session)
}

// CreateSession creates a session row without issuing tokens. The device
// flow uses this at approval time, when tokens must go to the polling device
// rather than the approving browser.
func (m *SessionManager) CreateSession(ctx context.Context, store *repository.Store, userID uuid.UUID) (*db.Session, error) {
	session := &db.Session{
		UserID:         userID,
		ExpirationTime: time.Now().Add(m.sessionDuration),
	}
	if err := store.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return session, nil
}

// IssueForSession mints a root refresh token on an existing session and
// returns a token pair for it.
func (m *SessionManager) IssueForSession(ctx context.Context, store *repository.Store, session *db.Session) (*Tokens, error) {
	root := &db.RefreshToken{
		SessionID:      session.ID,
		ExpirationTime: session.ExpirationTime,
	}
	if err := store.RefreshTokens.Create(ctx, root); err != nil {
		return nil, fmt.Errorf("session: minting root token: %w", err)
	}
	return m.issue(session.UserID, session.ID, root.ID)
}

// issue builds the client-facing token pair for a (user, session, refresh
// token) triple.
func (m *SessionManager) issue(userID, sessionID, refreshTokenID uuid.UUID) (*Tokens, error) {
	access, err := m.jwt.GenerateAccessToken(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: issuing access token: %w", err)
	}
	return &Tokens{
		Token:        access,
		RefreshToken: FormatRefreshToken(refreshTokenID, sessionID),
	}, nil
}

// Refresh exchanges a refresh token for a new token pair, rotating the tree.
//
// An unused token is marked used and gets a child; a token reused inside the
// reuse window returns its existing child's pair again; a token reused after
// the window is evidence of theft and invalidates the entire session.
// Every failure surfaces as ErrInvalidRefreshToken so callers learn nothing
// about which check tripped.
func (m *SessionManager) Refresh(ctx context.Context, store *repository.Store, rawToken string) (*Tokens, error) {
	refreshTokenID, sessionID, err := ParseRefreshToken(rawToken)
	if err != nil {
		return nil, err
	}

	token, err := store.RefreshTokens.GetByID(ctx, refreshTokenID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("session: refresh: %w", err)
	}
	if token.SessionID != sessionID {
		return nil, ErrInvalidRefreshToken
	}

	session, err := store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("session: refresh: %w", err)
	}

	now := time.Now()
	if now.After(session.ExpirationTime) || now.After(token.ExpirationTime) {
		// Expired rows are strays; clear the whole tree now rather than
		// leaving it for the reaper.
		if err := m.DeleteSession(ctx, store, sessionID); err != nil {
			return nil, fmt.Errorf("session: clearing expired: %w", err)
		}
		return nil, ErrInvalidRefreshToken
	}

	if token.FirstUsedTime == nil {
		return m.rotate(ctx, store, session, token, now)
	}

	// Retry of a refresh whose response was lost: the successor minted for
	// this token is still unused, so hand it back again rather than growing
	// a second branch.
	child, err := store.RefreshTokens.GetActiveChild(ctx, sessionID, token.ID)
	if err == nil {
		return m.issue(session.UserID, session.ID, child.ID)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("session: refresh: %w", err)
	}

	if now.Sub(*token.FirstUsedTime) <= m.ReuseWindow {
		// The successor was already rotated away, but the first use is
		// recent enough that this is still plausibly the same client
		// retrying. Mint a sibling branch instead of burning the session.
		sibling := &db.RefreshToken{
			SessionID:            session.ID,
			ExpirationTime:       session.ExpirationTime,
			ParentRefreshTokenID: &token.ID,
		}
		if err := store.RefreshTokens.Create(ctx, sibling); err != nil {
			return nil, fmt.Errorf("session: minting sibling token: %w", err)
		}
		return m.issue(session.UserID, session.ID, sibling.ID)
	}

	// Used long ago and presented again: someone other than the holder of
	// the current leaf has this token.
	m.logger.Error("refresh token reuse detected, invalidating session",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", session.UserID.String()),
		zap.String("refresh_token_id", token.ID.String()),
	)
	metrics.TheftDetections.Inc()
	if err := m.DeleteSession(ctx, store, sessionID); err != nil {
		return nil, fmt.Errorf("session: invalidating after reuse: %w", err)
	}
	return nil, ErrInvalidRefreshToken
}

// rotate marks token used and mints its child.
func (m *SessionManager) rotate(ctx context.Context, store *repository.Store, session *db.Session, token *db.RefreshToken, now time.Time) (*Tokens, error) {
	token.FirstUsedTime = &now
	if err := store.RefreshTokens.Update(ctx, token); err != nil {
		return nil, fmt.Errorf("session: marking token used: %w", err)
	}

	parentID := token.ID
	child := &db.RefreshToken{
		SessionID:            session.ID,
		ExpirationTime:       session.ExpirationTime,
		ParentRefreshTokenID: &parentID,
	}
	if err := store.RefreshTokens.Create(ctx, child); err != nil {
		return nil, fmt.Errorf("session: minting child token: %w", err)
	}

	return m.issue(session.UserID, session.ID, child.ID)
}

// DeleteSession removes a session and its whole refresh-token tree. Signing
// out a session that is already gone is not an error.
func (m *SessionManager) DeleteSession(ctx context.Context, store *repository.Store, sessionID uuid.UUID) error {
	if err := store.RefreshTokens.DeleteBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	if err := store.Sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Invalidate signs the user out everywhere, sparing only the sessions listed
// in except. Used for sign-out-all and after sensitive account changes.
func (m *SessionManager) Invalidate(ctx context.Context, store *repository.Store, userID uuid.UUID, except []uuid.UUID) error {
	keep := make(map[uuid.UUID]struct{}, len(except))
	for _, id := range except {
		keep[id] = struct{}{}
	}

	sessions, err := store.Sessions.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: invalidate: %w", err)
	}
	for _, s := range sessions {
		if _, ok := keep[s.ID]; ok {
			continue
		}
		if err := m.DeleteSession(ctx, store, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions returns all sessions for a user, newest first by UUIDv7 order.
func (m *SessionManager) ListSessions(ctx context.Context, store *repository.Store, userID uuid.UUID) ([]db.Session, error) {
	sessions, err := store.Sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return sessions, nil
}
