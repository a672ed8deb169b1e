package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

// totpSecretSize is the seed length in bytes before base32 encoding.
const totpSecretSize = 20

// TOTPSetup is returned from enrollment: the secret for manual entry and the
// otpauth:// URI for QR rendering. Shown once; only the encrypted seed is
// kept.
type TOTPSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// setupTOTP starts a TOTP enrollment for the user. The credential is created
// unverified and becomes a second factor only after confirmTOTP proves the
// authenticator was seeded correctly. A user with a verified credential
// cannot enroll again without removing it first.
func setupTOTP(ctx context.Context, store *repository.Store, cfg *Config, userID uuid.UUID, accountName string) (*TOTPSetup, error) {
	_, err := store.TOTP.GetVerifiedByUser(ctx, userID)
	if err == nil {
		return nil, newError(CodeTOTPAlreadyVerified, "a verified authenticator already exists")
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("totp: checking enrollment: %w", err)
	}

	if accountName == "" {
		accountName = userID.String()
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuerName(cfg),
		AccountName: accountName,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generating key: %w", err)
	}

	cred := &db.TOTPCredential{
		UserID: userID,
		Secret: db.EncryptedString(key.Secret()),
		Digits: 6,
		Period: 30,
		Name:   accountName,
	}
	if err := store.TOTP.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("totp: storing credential: %w", err)
	}

	return &TOTPSetup{Secret: key.Secret(), URI: key.URL()}, nil
}

// issuerName derives the otpauth issuer label from the site URL.
func issuerName(cfg *Config) string {
	if u, err := url.Parse(cfg.SiteURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "authgate"
}

// confirmTOTP verifies a code against the user's pending enrollment and
// promotes it to a verified second factor.
func confirmTOTP(ctx context.Context, store *repository.Store, userID uuid.UUID, code string) error {
	cred, err := store.TOTP.GetUnverifiedByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTOTPNotFound
		}
		return fmt.Errorf("totp: loading enrollment: %w", err)
	}

	if !validateTOTPCode(cred, code) {
		return ErrTOTPInvalidCode
	}

	now := time.Now()
	cred.Verified = true
	cred.LastUsedAt = &now
	if err := store.TOTP.Update(ctx, cred); err != nil {
		return fmt.Errorf("totp: promoting enrollment: %w", err)
	}
	return nil
}

// hasVerifiedTOTP reports whether the user has a confirmed second factor.
// When true, first-factor success alone must not issue tokens.
func hasVerifiedTOTP(ctx context.Context, store *repository.Store, userID uuid.UUID) (bool, error) {
	_, err := store.TOTP.GetVerifiedByUser(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("totp: checking second factor: %w", err)
}

// verifySecondFactor completes a sign-in gated on TOTP: the verifier carries
// the user whose first factor already succeeded, and the code must match
// that user's verified credential. A mistyped code leaves the verifier alive
// for a retry, but the per-user bucket bounds how many guesses the round is
// worth; the verifier is consumed only on success.
func verifySecondFactor(ctx context.Context, store *repository.Store, limiter *RateLimiter, verifierID uuid.UUID, code string) (uuid.UUID, error) {
	var userID uuid.UUID
	if code == "" {
		return userID, ErrSignInMissingParams
	}

	v, err := getVerifier(ctx, store, verifierID)
	if err != nil {
		return userID, ErrTOTPInvalidVerifier
	}
	totpCtx, err := totpContextOf(v)
	if err != nil {
		return userID, err
	}

	if err := limiter.Check(ctx, store, totpCtx.UserID.String()); err != nil {
		return userID, err
	}

	cred, err := store.TOTP.GetVerifiedByUser(ctx, totpCtx.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return userID, ErrTOTPNoEnrollment
		}
		return userID, fmt.Errorf("totp: loading credential: %w", err)
	}

	if !validateTOTPCode(cred, code) {
		if recordErr := limiter.RecordFailure(ctx, store, totpCtx.UserID.String()); recordErr != nil {
			return userID, fmt.Errorf("totp: recording failure: %w", recordErr)
		}
		return userID, ErrTOTPInvalidCode
	}

	if err := store.Verifiers.Delete(ctx, v.ID); err != nil {
		return userID, fmt.Errorf("totp: consuming verifier: %w", err)
	}
	if err := limiter.Reset(ctx, store, totpCtx.UserID.String()); err != nil {
		return userID, fmt.Errorf("totp: resetting limiter: %w", err)
	}

	now := time.Now()
	cred.LastUsedAt = &now
	if err := store.TOTP.Update(ctx, cred); err != nil {
		return userID, fmt.Errorf("totp: recording use: %w", err)
	}
	return totpCtx.UserID, nil
}

// validateTOTPCode checks a code with one period of clock skew in either
// direction.
func validateTOTPCode(cred *db.TOTPCredential, code string) bool {
	ok, err := totp.ValidateCustom(code, string(cred.Secret), time.Now(), totp.ValidateOpts{
		Period:    uint(cred.Period),
		Skew:      1,
		Digits:    otp.Digits(cred.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// removeTOTP deletes a user's verified credential, e.g. when switching
// authenticators.
func removeTOTP(ctx context.Context, store *repository.Store, userID uuid.UUID) error {
	cred, err := store.TOTP.GetVerifiedByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTOTPNotFound
		}
		return fmt.Errorf("totp: loading credential: %w", err)
	}
	if err := store.TOTP.Delete(ctx, cred.ID); err != nil {
		return fmt.Errorf("totp: removing credential: %w", err)
	}
	return nil
}
