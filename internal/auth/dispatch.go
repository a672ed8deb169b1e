package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/metrics"
	"github.com/authgate-io/authgate/internal/repository"
)

// SignInArgs is the dispatcher request. Exactly one path applies, checked in
// order: a refresh token, a verification code exchange, then a provider
// flow.
type SignInArgs struct {
	Provider     string            `json:"provider,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	Verifier     string            `json:"verifier,omitempty"`
	RedirectTo   string            `json:"redirectTo,omitempty"`
}

// OutcomeKind tells the client what the dispatcher decided.
type OutcomeKind string

const (
	// OutcomeRedirect carries a URL the browser must visit (OAuth).
	OutcomeRedirect OutcomeKind = "redirect"
	// OutcomeStarted means a code was sent out of band; call again with it.
	OutcomeStarted OutcomeKind = "started"
	// OutcomeSignedIn carries a token pair.
	OutcomeSignedIn OutcomeKind = "signedIn"
	// OutcomeTOTPRequired means the first factor passed; call again with
	// provider "totp", the verifier, and the authenticator code.
	OutcomeTOTPRequired OutcomeKind = "totpRequired"
	// OutcomePasskeyOptions carries WebAuthn assertion options; call again
	// with the authenticator response.
	OutcomePasskeyOptions OutcomeKind = "passkeyOptions"
)

// Outcome is the dispatcher response.
type Outcome struct {
	Kind           OutcomeKind                   `json:"kind"`
	Redirect       string                        `json:"redirect,omitempty"`
	Verifier       string                        `json:"verifier,omitempty"`
	Tokens         *Tokens                       `json:"tokens,omitempty"`
	PasskeyOptions *protocol.CredentialAssertion `json:"passkeyOptions,omitempty"`
}

// SignIn is the single entry point for every sign-in shape. The whole
// dispatch runs in one transaction. Expected failures whose side effects must
// outlive the attempt (rate-limit decrements, theft invalidation) commit the
// transaction and still surface as errors; everything else rolls back.
func (s *Service) SignIn(ctx context.Context, args SignInArgs) (*Outcome, error) {
	var outcome *Outcome
	var signInErr error
	err := s.store.Transact(ctx, func(tx *repository.Store) error {
		outcome, signInErr = s.dispatch(ctx, tx, args)
		if signInErr != nil && commitsOnFailure(signInErr) {
			return nil
		}
		return signInErr
	})
	if err != nil {
		return nil, err
	}
	if signInErr != nil {
		return nil, signInErr
	}
	return outcome, nil
}

// commitsOnFailure reports whether a sign-in failure carries state that must
// survive the aborted attempt. A wrong password or TOTP code decrements a
// persisted bucket, and refresh-token reuse may burn the whole session —
// rolling those writes back would let an attacker retry forever.
func commitsOnFailure(err error) bool {
	switch CodeOf(err) {
	case CodeSignInFailed, CodeTooManyFailedAttempts, CodeTOTPInvalidCode, CodeInvalidRefreshToken:
		return true
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, tx *repository.Store, args SignInArgs) (*Outcome, error) {
	if args.RefreshToken != "" {
		tokens, err := s.sessions.Refresh(ctx, tx, args.RefreshToken)
		if err != nil {
			return nil, err
		}
		metrics.TokenRefreshes.Inc()
		return &Outcome{Kind: OutcomeSignedIn, Tokens: tokens}, nil
	}

	if code := args.Params["code"]; code != "" && args.Provider != "totp" {
		return s.exchangeCode(ctx, tx, args, code)
	}

	switch args.Provider {
	case "":
		return nil, ErrSignInMissingParams
	case "passkey":
		return s.passkeyFlow(ctx, tx, args)
	case "totp":
		return s.totpFlow(ctx, tx, args)
	}

	provider, err := s.cfg.Provider(args.Provider)
	if err != nil {
		return nil, err
	}

	switch provider.Type {
	case ProviderTypeOAuth, ProviderTypeOIDC:
		return s.startOAuth(ctx, tx, provider, args.RedirectTo)
	case ProviderTypeEmail:
		if err := startOTP(ctx, tx, s.cfg, provider, args.Params["email"]); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeStarted}, nil
	case ProviderTypePhone:
		if err := startOTP(ctx, tx, s.cfg, provider, args.Params["phone"]); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeStarted}, nil
	case ProviderTypeCredentials:
		return s.credentialsFlow(ctx, tx, provider, args)
	default:
		return nil, ErrProviderNotConfigured
	}
}

// startOAuth mints the ceremony verifier and points the client at the
// redirect endpoint, which will bind state and PKCE material to it.
func (s *Service) startOAuth(ctx context.Context, tx *repository.Store, provider *Provider, redirectTo string) (*Outcome, error) {
	if _, err := validateRedirect(s.cfg, redirectTo); err != nil {
		return nil, err
	}

	v, err := newVerifier(ctx, tx, nil)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(s.cfg.SiteURL, "/") + "/api/auth/signin/" + provider.ID + "?code=" + v.ID.String()
	if redirectTo != "" {
		url += "&redirectTo=" + redirectTo
	}
	return &Outcome{Kind: OutcomeRedirect, Redirect: url, Verifier: v.ID.String()}, nil
}

// exchangeCode consumes a verification code: an OAuth handoff code (bound to
// the presenting verifier), an emailed code or magic-link token, or a phone
// OTP (which needs the phone number back).
func (s *Service) exchangeCode(ctx context.Context, tx *repository.Store, args SignInArgs, code string) (*Outcome, error) {
	var userID uuid.UUID
	var providerID string

	if args.Provider != "" {
		provider, err := s.cfg.Provider(args.Provider)
		if err != nil {
			return nil, err
		}
		providerID = provider.ID
		if provider.Type == ProviderTypePhone {
			userID, err = verifyOTP(ctx, tx, s.cfg, provider, args.Params["phone"], code)
			if err != nil {
				metrics.SignInFailures.WithLabelValues(providerID).Inc()
				return nil, err
			}
			return s.issueTokens(ctx, tx, userID, providerID)
		}
	}

	row, err := tx.VerificationCodes.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidVerificationCode
		}
		return nil, fmt.Errorf("dispatch: code lookup: %w", err)
	}
	providerID = row.Provider

	if row.VerifierID != nil {
		var presented *uuid.UUID
		if args.Verifier != "" {
			id, err := uuid.Parse(args.Verifier)
			if err != nil {
				return nil, ErrInvalidVerificationCode
			}
			presented = &id
		}
		userID, err = verifyHandoffCode(ctx, tx, code, presented)
	} else {
		provider, perr := s.cfg.Provider(row.Provider)
		if perr != nil {
			return nil, perr
		}
		userID, err = verifyOTP(ctx, tx, s.cfg, provider, "", code)
	}
	if err != nil {
		metrics.SignInFailures.WithLabelValues(providerID).Inc()
		return nil, err
	}
	return s.issueTokens(ctx, tx, userID, providerID)
}

// credentialsFlow handles password sign-up and sign-in. Account-revealing
// failures collapse into SIGN_IN_FAILED; a verified TOTP enrollment turns a
// successful password check into a second-factor round instead of tokens.
func (s *Service) credentialsFlow(ctx context.Context, tx *repository.Store, provider *Provider, args SignInArgs) (*Outcome, error) {
	identifier := args.Params["email"]
	secret := args.Params["secret"]

	if args.Params["flow"] == "signUp" {
		userID, err := createCredentialsUser(ctx, tx, s.cfg, provider, identifier, secret)
		if err != nil {
			return nil, err
		}
		return s.issueTokens(ctx, tx, userID, provider.ID)
	}

	userID, err := verifyCredentials(ctx, tx, s.limiter, provider, identifier, secret)
	if err != nil {
		metrics.SignInFailures.WithLabelValues(provider.ID).Inc()
		return nil, sanitizeCredentialsError(err)
	}

	gated, err := hasVerifiedTOTP(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if gated {
		v, err := newVerifier(ctx, tx, nil)
		if err != nil {
			return nil, err
		}
		if err := setTOTPContext(ctx, tx, v, userID); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeTOTPRequired, Verifier: v.ID.String()}, nil
	}

	return s.issueTokens(ctx, tx, userID, provider.ID)
}

// totpFlow completes a second-factor round started by credentialsFlow.
func (s *Service) totpFlow(ctx context.Context, tx *repository.Store, args SignInArgs) (*Outcome, error) {
	if args.Verifier == "" {
		return nil, ErrTOTPInvalidVerifier
	}
	verifierID, err := uuid.Parse(args.Verifier)
	if err != nil {
		return nil, ErrTOTPInvalidVerifier
	}

	userID, err := verifySecondFactor(ctx, tx, s.limiter, verifierID, args.Params["code"])
	if err != nil {
		metrics.SignInFailures.WithLabelValues("totp").Inc()
		return nil, err
	}
	return s.issueTokens(ctx, tx, userID, "totp")
}

// passkeyFlow serves usernameless authentication: an options round followed
// by a verify round carrying the authenticator response.
func (s *Service) passkeyFlow(ctx context.Context, tx *repository.Store, args SignInArgs) (*Outcome, error) {
	web, err := s.webauthnOrErr()
	if err != nil {
		return nil, err
	}

	switch args.Params["flow"] {
	case "auth-options", "":
		assertion, err := beginPasskeyLogin(ctx, tx, web, args.Params["email"])
		if err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomePasskeyOptions, PasskeyOptions: assertion}, nil

	case "auth-verify":
		response := args.Params["response"]
		if response == "" {
			return nil, ErrSignInMissingParams
		}
		userID, err := finishPasskeyLogin(ctx, tx, web, []byte(response))
		if err != nil {
			metrics.SignInFailures.WithLabelValues("passkey").Inc()
			return nil, err
		}
		return s.issueTokens(ctx, tx, userID, "passkey")

	default:
		return nil, ErrSignInMissingParams
	}
}

func (s *Service) issueTokens(ctx context.Context, tx *repository.Store, userID uuid.UUID, providerID string) (*Outcome, error) {
	tokens, err := s.sessions.SignIn(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	metrics.SignIns.WithLabelValues(providerID).Inc()
	return &Outcome{Kind: OutcomeSignedIn, Tokens: tokens}, nil
}
