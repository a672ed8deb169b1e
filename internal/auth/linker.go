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

// upsertUserAndAccount resolves a verified profile to a user and an account
// row, creating or updating both. This is the account linker: the one place
// that decides whether an external identity attaches to an existing user or
// mints a new one.
//
// Resolution order:
//  1. a configured CreateOrUpdateUser callback decides everything;
//  2. an existing (provider, providerAccountID) account pins its user;
//  3. a ceremony started by a signed-in user links to that user;
//  4. a single user holding the profile's verified email or phone is linked
//     (unverified email links only with AllowDangerousEmailAccountLinking);
//  5. otherwise a fresh user is created. Two distinct users matching by
//     email and phone are never merged.
func upsertUserAndAccount(ctx context.Context, store *repository.Store, cfg *Config, args CreateOrUpdateUserArgs) (uuid.UUID, *db.Account, error) {
	userID, err := resolveUser(ctx, store, cfg, args)
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	if err := applyProfile(ctx, store, userID, args); err != nil {
		return uuid.UUID{}, nil, err
	}

	account, err := upsertAccount(ctx, store, userID, args)
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	if cfg.Callbacks.AfterUserCreatedOrUpdated != nil {
		if err := cfg.Callbacks.AfterUserCreatedOrUpdated(ctx, store, userID, args); err != nil {
			return uuid.UUID{}, nil, fmt.Errorf("linker: after callback: %w", err)
		}
	}

	return userID, account, nil
}

func resolveUser(ctx context.Context, store *repository.Store, cfg *Config, args CreateOrUpdateUserArgs) (uuid.UUID, error) {
	if cfg.Callbacks.CreateOrUpdateUser != nil {
		id, err := cfg.Callbacks.CreateOrUpdateUser(ctx, store, args)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("linker: create callback: %w", err)
		}
		return id, nil
	}

	// A known external account always wins: the identity has signed in
	// before and belongs to exactly one user.
	existing, err := store.Accounts.GetByProviderAccount(ctx, args.Provider.ID, args.Profile.ID)
	if err == nil {
		return existing.UserID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return uuid.UUID{}, fmt.Errorf("linker: account lookup: %w", err)
	}

	if args.ExistingUserID != nil {
		return *args.ExistingUserID, nil
	}

	emailUser, err := userByEmail(ctx, store, args)
	if err != nil {
		return uuid.UUID{}, err
	}
	phoneUser, err := userByPhone(ctx, store, args)
	if err != nil {
		return uuid.UUID{}, err
	}

	switch {
	case emailUser != nil && phoneUser != nil && emailUser.ID != phoneUser.ID:
		// The profile straddles two identities. Merging would hand one
		// user's sessions to another, so neither gets linked.
	case emailUser != nil:
		return emailUser.ID, nil
	case phoneUser != nil:
		return phoneUser.ID, nil
	}

	user := &db.User{Name: args.Profile.Name, Image: args.Profile.Image}
	if err := store.Users.Create(ctx, user); err != nil {
		return uuid.UUID{}, fmt.Errorf("linker: create user: %w", err)
	}
	return user.ID, nil
}

// userByEmail finds the user the profile's email may link to: the holder of
// the verified address, or any holder when the provider is trusted to assert
// addresses it has not verified here.
func userByEmail(ctx context.Context, store *repository.Store, args CreateOrUpdateUserArgs) (*db.User, error) {
	if args.Profile.Email == nil {
		return nil, nil
	}
	if !args.EmailVerified && !args.Provider.AllowDangerousEmailAccountLinking {
		return nil, nil
	}
	user, err := store.Users.FindByVerifiedEmail(ctx, *args.Profile.Email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("linker: find by email: %w", err)
	}
	return user, nil
}

func userByPhone(ctx context.Context, store *repository.Store, args CreateOrUpdateUserArgs) (*db.User, error) {
	if args.Profile.Phone == nil || !args.PhoneVerified {
		return nil, nil
	}
	user, err := store.Users.FindByVerifiedPhone(ctx, *args.Profile.Phone)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("linker: find by phone: %w", err)
	}
	return user, nil
}

// applyProfile copies the verified profile onto the resolved user. When an
// identifier becomes verified here, any other user still holding it verified
// loses that mark, keeping verified identifiers unique.
func applyProfile(ctx context.Context, store *repository.Store, userID uuid.UUID, args CreateOrUpdateUserArgs) error {
	user, err := store.Users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("linker: load user: %w", err)
	}

	now := time.Now()
	if args.Profile.Email != nil {
		user.Email = args.Profile.Email
		if args.EmailVerified {
			if err := releaseVerifiedEmail(ctx, store, *args.Profile.Email, userID); err != nil {
				return err
			}
			user.EmailVerificationTime = &now
		}
	}
	if args.Profile.Phone != nil {
		user.Phone = args.Profile.Phone
		if args.PhoneVerified {
			if err := releaseVerifiedPhone(ctx, store, *args.Profile.Phone, userID); err != nil {
				return err
			}
			user.PhoneVerificationTime = &now
		}
	}
	if args.Profile.Name != "" {
		user.Name = args.Profile.Name
	}
	if args.Profile.Image != "" {
		user.Image = args.Profile.Image
	}
	user.IsAnonymous = false

	if err := store.Users.Update(ctx, user); err != nil {
		return fmt.Errorf("linker: update user: %w", err)
	}
	return nil
}

func releaseVerifiedEmail(ctx context.Context, store *repository.Store, email string, keeper uuid.UUID) error {
	holder, err := store.Users.FindByVerifiedEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("linker: release email: %w", err)
	}
	if holder.ID == keeper {
		return nil
	}
	holder.EmailVerificationTime = nil
	if err := store.Users.Update(ctx, holder); err != nil {
		return fmt.Errorf("linker: release email: %w", err)
	}
	return nil
}

func releaseVerifiedPhone(ctx context.Context, store *repository.Store, phone string, keeper uuid.UUID) error {
	holder, err := store.Users.FindByVerifiedPhone(ctx, phone)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("linker: release phone: %w", err)
	}
	if holder.ID == keeper {
		return nil
	}
	holder.PhoneVerificationTime = nil
	if err := store.Users.Update(ctx, holder); err != nil {
		return fmt.Errorf("linker: release phone: %w", err)
	}
	return nil
}

func upsertAccount(ctx context.Context, store *repository.Store, userID uuid.UUID, args CreateOrUpdateUserArgs) (*db.Account, error) {
	account, err := store.Accounts.GetByProviderAccount(ctx, args.Provider.ID, args.Profile.ID)
	if errors.Is(err, repository.ErrNotFound) {
		account = &db.Account{
			UserID:            userID,
			Provider:          args.Provider.ID,
			ProviderAccountID: args.Profile.ID,
			EmailVerified:     args.EmailVerified,
			PhoneVerified:     args.PhoneVerified,
		}
		if err := store.Accounts.Create(ctx, account); err != nil {
			return nil, fmt.Errorf("linker: create account: %w", err)
		}
		return account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("linker: account lookup: %w", err)
	}

	changed := false
	if args.EmailVerified && !account.EmailVerified {
		account.EmailVerified = true
		changed = true
	}
	if args.PhoneVerified && !account.PhoneVerified {
		account.PhoneVerified = true
		changed = true
	}
	if changed {
		if err := store.Accounts.Update(ctx, account); err != nil {
			return nil, fmt.Errorf("linker: update account: %w", err)
		}
	}
	return account, nil
}
