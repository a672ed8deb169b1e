package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

const (
	deviceCodeLength   = 40
	deviceCodeExpiry   = 10 * time.Minute
	devicePollInterval = 5 // seconds
)

// DeviceCode is the RFC 8628 issuance response. DeviceCode is shown once;
// only its digest is stored.
type DeviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// issueDeviceCode starts a device authorization: a long random device code
// for the polling device and a short human-typable user code for approval.
func issueDeviceCode(ctx context.Context, store *repository.Store, cfg *Config) (*DeviceCode, error) {
	deviceCode, err := generateCode(deviceCodeLength)
	if err != nil {
		return nil, err
	}
	userCode, err := generateUserCode()
	if err != nil {
		return nil, err
	}

	row := &db.DeviceAuthorization{
		DeviceCodeHash: sha256Hex(deviceCode),
		UserCode:       userCode,
		ExpiresAt:      time.Now().Add(deviceCodeExpiry),
		Interval:       devicePollInterval,
		Status:         db.DeviceStatusPending,
	}
	if err := store.Devices.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("device: storing authorization: %w", err)
	}

	base := strings.TrimSuffix(cfg.SiteURL, "/")
	return &DeviceCode{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         base + "/device",
		VerificationURIComplete: base + "/device?user_code=" + userCode,
		ExpiresIn:               int(deviceCodeExpiry.Seconds()),
		Interval:                devicePollInterval,
	}, nil
}

// pollDeviceCode is the device's token request. It returns tokens once the
// user approves; until then it reports pending, slow_down when polled faster
// than the interval, or a terminal denial/expiry. Terminal states delete the
// row, so a second poll after the outcome behaves like an unknown code.
func pollDeviceCode(ctx context.Context, store *repository.Store, sm *SessionManager, deviceCode string) (*Tokens, error) {
	row, err := store.Devices.GetByDeviceCodeHash(ctx, sha256Hex(deviceCode))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceCodeExpired
		}
		return nil, fmt.Errorf("device: poll lookup: %w", err)
	}

	now := time.Now()
	if now.After(row.ExpiresAt) {
		if err := store.Devices.Delete(ctx, row.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("device: clearing expired: %w", err)
		}
		return nil, ErrDeviceCodeExpired
	}

	if row.LastPolledAt != nil && now.Sub(*row.LastPolledAt) < time.Duration(row.Interval)*time.Second {
		row.LastPolledAt = &now
		if err := store.Devices.Update(ctx, row); err != nil {
			return nil, fmt.Errorf("device: recording poll: %w", err)
		}
		return nil, ErrDeviceSlowDown
	}

	switch row.Status {
	case db.DeviceStatusPending:
		row.LastPolledAt = &now
		if err := store.Devices.Update(ctx, row); err != nil {
			return nil, fmt.Errorf("device: recording poll: %w", err)
		}
		return nil, ErrDevicePending

	case db.DeviceStatusDenied:
		if err := store.Devices.Delete(ctx, row.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("device: clearing denied: %w", err)
		}
		return nil, ErrDeviceCodeDenied

	case db.DeviceStatusAuthorized:
		if row.SessionID == nil {
			return nil, ErrDeviceCodeExpired
		}
		session, err := store.Sessions.GetByID(ctx, *row.SessionID)
		if err != nil {
			return nil, ErrDeviceCodeExpired
		}
		if err := store.Devices.Delete(ctx, row.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("device: clearing authorized: %w", err)
		}
		return sm.IssueForSession(ctx, store, session)

	default:
		return nil, ErrDeviceCodeExpired
	}
}

// isPollResult reports whether a poll error is a protocol outcome rather than
// a storage failure. Outcome errors leave deliberate writes behind.
func isPollResult(err error) bool {
	switch CodeOf(err) {
	case CodeDeviceAuthorizationPending, CodeDeviceSlowDown, CodeDeviceCodeDenied, CodeDeviceCodeExpired:
		return true
	}
	return false
}

// lookupUserCode validates a typed user code and returns the pending row for
// the approval page. Codes are normalized to the rendered XXXX-XXXX form.
func lookupUserCode(ctx context.Context, store *repository.Store, userCode string) (*db.DeviceAuthorization, error) {
	row, err := store.Devices.GetByUserCode(ctx, normalizeUserCode(userCode))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceInvalidUserCode
		}
		return nil, fmt.Errorf("device: user code lookup: %w", err)
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, ErrDeviceInvalidUserCode
	}
	return row, nil
}

func normalizeUserCode(userCode string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(userCode), "-", ""))
	if len(s) != 8 {
		return userCode
	}
	return s[:4] + "-" + s[4:]
}

// approveDevice records a signed-in user's approval: a fresh session is
// created for the device and attached to the row, and the next poll collects
// tokens for it.
func approveDevice(ctx context.Context, store *repository.Store, sm *SessionManager, userCode string, userID uuid.UUID) error {
	row, err := lookupUserCode(ctx, store, userCode)
	if err != nil {
		return err
	}
	if row.Status != db.DeviceStatusPending {
		return ErrDeviceAlreadyAuthorized
	}

	session, err := sm.CreateSession(ctx, store, userID)
	if err != nil {
		return err
	}

	row.Status = db.DeviceStatusAuthorized
	row.UserID = &userID
	row.SessionID = &session.ID
	if err := store.Devices.Update(ctx, row); err != nil {
		return fmt.Errorf("device: recording approval: %w", err)
	}
	return nil
}

// denyDevice records a refusal; the polling device learns on its next poll.
func denyDevice(ctx context.Context, store *repository.Store, userCode string) error {
	row, err := lookupUserCode(ctx, store, userCode)
	if err != nil {
		return err
	}
	if row.Status != db.DeviceStatusPending {
		return ErrDeviceAlreadyAuthorized
	}
	row.Status = db.DeviceStatusDenied
	if err := store.Devices.Update(ctx, row); err != nil {
		return fmt.Errorf("device: recording denial: %w", err)
	}
	return nil
}
