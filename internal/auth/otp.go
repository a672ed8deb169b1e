package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

const (
	// defaultCodeTTL is how long an emailed or texted code works, absent a
	// provider MaxAge.
	defaultCodeTTL = 15 * time.Minute

	// codeLength is the length of email codes and magic-link tokens. Long
	// enough to be globally unique and unguessable, so a bare code lookup
	// is safe.
	codeLength = 24

	// phoneCodeDigits is the length of numeric phone OTPs. Short codes are
	// not globally unique, so phone verification re-submits the identifier
	// and the stored code is scoped to the account.
	phoneCodeDigits = 8
)

// startOTP begins an email or phone sign-in: it upserts the account for the
// identifier, replaces any outstanding code with a fresh one, and hands the
// raw code to the provider's Send callback. Nothing about the identifier's
// prior existence is revealed to the caller.
func startOTP(ctx context.Context, store *repository.Store, cfg *Config, provider *Provider, identifier string) error {
	if identifier == "" {
		return ErrSignInMissingParams
	}
	if provider.Send == nil {
		return ErrEmailConfigRequired
	}

	profile := Profile{ID: identifier}
	switch provider.Type {
	case ProviderTypeEmail:
		profile.Email = &identifier
	case ProviderTypePhone:
		profile.Phone = &identifier
	default:
		return ErrProviderNotConfigured
	}

	// The account is created unverified here; verification lands when the
	// code comes back.
	_, account, err := upsertUserAndAccount(ctx, store, cfg, CreateOrUpdateUserArgs{
		Provider: provider,
		Profile:  profile,
	})
	if err != nil {
		return err
	}

	// One outstanding code per account: a new request invalidates the old
	// code.
	if err := store.VerificationCodes.DeleteByAccount(ctx, account.ID); err != nil {
		return fmt.Errorf("otp: clearing previous codes: %w", err)
	}

	code, err := generateProviderCode(provider)
	if err != nil {
		return err
	}

	ttl := provider.MaxAge
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	expires := time.Now().Add(ttl)

	row := &db.VerificationCode{
		AccountID:      account.ID,
		Provider:       provider.ID,
		Code:           storedCode(provider, account.ID, code),
		ExpirationTime: expires,
		EmailVerified:  provider.Type == ProviderTypeEmail,
		PhoneVerified:  provider.Type == ProviderTypePhone,
	}
	if err := store.VerificationCodes.Create(ctx, row); err != nil {
		return fmt.Errorf("otp: storing code: %w", err)
	}

	if err := provider.Send(ctx, SendParams{Identifier: identifier, Code: code, Expires: expires}); err != nil {
		return fmt.Errorf("otp: sending code: %w", err)
	}
	return nil
}

func generateProviderCode(provider *Provider) (string, error) {
	if provider.GenerateCode != nil {
		code, err := provider.GenerateCode()
		if err != nil {
			return "", fmt.Errorf("otp: provider code generator: %w", err)
		}
		return code, nil
	}
	if provider.Type == ProviderTypePhone {
		return generateNumericCode(phoneCodeDigits)
	}
	return generateCode(codeLength)
}

// storedCode is what actually lands in the codes table. Short numeric codes
// are hashed together with the account so they only collide within one
// account's namespace, where the old code has just been deleted.
func storedCode(provider *Provider, accountID uuid.UUID, code string) string {
	if provider.Type == ProviderTypePhone {
		return sha256Hex(accountID.String() + ":" + code)
	}
	return code
}

// verifyOTP consumes a code and returns the verified user. The code is
// single-use: it is deleted before the identity is resolved, so a concurrent
// duplicate submission inside the same transaction scope loses. identifier is
// required for phone providers and ignored otherwise.
func verifyOTP(ctx context.Context, store *repository.Store, cfg *Config, provider *Provider, identifier, code string) (uuid.UUID, error) {
	var userID uuid.UUID
	if code == "" {
		return userID, ErrSignInMissingParams
	}

	row, err := lookupCode(ctx, store, provider, identifier, code)
	if err != nil {
		return userID, err
	}
	if row.Provider != provider.ID {
		return userID, ErrInvalidVerificationCode
	}
	if time.Now().After(row.ExpirationTime) {
		return userID, ErrInvalidVerificationCode
	}

	if err := store.VerificationCodes.Delete(ctx, row.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return userID, ErrInvalidVerificationCode
		}
		return userID, fmt.Errorf("otp: consuming code: %w", err)
	}

	account, err := store.Accounts.GetByID(ctx, row.AccountID)
	if err != nil {
		return userID, fmt.Errorf("otp: loading account: %w", err)
	}

	profile := Profile{ID: account.ProviderAccountID}
	if provider.Type == ProviderTypeEmail {
		profile.Email = &account.ProviderAccountID
	} else {
		profile.Phone = &account.ProviderAccountID
	}

	userID, _, err = upsertUserAndAccount(ctx, store, cfg, CreateOrUpdateUserArgs{
		Provider:      provider,
		Profile:       profile,
		EmailVerified: row.EmailVerified,
		PhoneVerified: row.PhoneVerified,
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	return userID, nil
}

func lookupCode(ctx context.Context, store *repository.Store, provider *Provider, identifier, code string) (*db.VerificationCode, error) {
	if provider.Type == ProviderTypePhone {
		if identifier == "" {
			return nil, ErrSignInMissingParams
		}
		account, err := store.Accounts.GetByProviderAccount(ctx, provider.ID, identifier)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrInvalidVerificationCode
			}
			return nil, fmt.Errorf("otp: account lookup: %w", err)
		}
		row, err := store.VerificationCodes.GetByAccountID(ctx, account.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrInvalidVerificationCode
			}
			return nil, fmt.Errorf("otp: code lookup: %w", err)
		}
		if !constantTimeEqual(row.Code, storedCode(provider, account.ID, code)) {
			return nil, ErrInvalidVerificationCode
		}
		return row, nil
	}

	row, err := store.VerificationCodes.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidVerificationCode
		}
		return nil, fmt.Errorf("otp: code lookup: %w", err)
	}
	return row, nil
}
