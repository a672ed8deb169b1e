package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

// defaultVerifierTTL bounds how long any ceremony may stay open. OAuth
// redirects, WebAuthn prompts and TOTP second-factor rounds all complete well
// inside this.
const defaultVerifierTTL = 10 * time.Minute

// The verifier table holds short-lived server-side ceremony state. The
// Signature column is written by exactly these flows:
//
//   - OAuth:    JSON {state, codeVerifier} (oauthVerifierState), looked up by ID
//   - Passkey:  SHA-256 hex of the issued challenge, looked up by signature
//   - TOTP:     JSON {userId} (totpVerifierContext), looked up by ID
//
// A verifier is single-use: consumption deletes the row, so a replayed
// ceremony response finds nothing to bind to.

// newVerifier creates a verifier row, optionally bound to an existing session
// (set for ceremonies started by a signed-in user, nil for sign-in).
func newVerifier(ctx context.Context, store *repository.Store, sessionID *uuid.UUID) (*db.Verifier, error) {
	v := &db.Verifier{
		SessionID:      sessionID,
		ExpirationTime: time.Now().Add(defaultVerifierTTL),
	}
	if err := store.Verifiers.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("verifier: create: %w", err)
	}
	return v, nil
}

// getVerifier loads a live verifier by ID without consuming it. Expired or
// missing rows report ErrOAuthMissingVerifier; callers in non-OAuth flows wrap
// this with their own code.
func getVerifier(ctx context.Context, store *repository.Store, id uuid.UUID) (*db.Verifier, error) {
	v, err := store.Verifiers.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOAuthMissingVerifier
		}
		return nil, fmt.Errorf("verifier: get: %w", err)
	}
	if time.Now().After(v.ExpirationTime) {
		return nil, ErrOAuthMissingVerifier
	}
	return v, nil
}

// consumeVerifier loads a live verifier and deletes it in the same call.
func consumeVerifier(ctx context.Context, store *repository.Store, id uuid.UUID) (*db.Verifier, error) {
	v, err := getVerifier(ctx, store, id)
	if err != nil {
		return nil, err
	}
	if err := store.Verifiers.Delete(ctx, v.ID); err != nil {
		return nil, fmt.Errorf("verifier: consume: %w", err)
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// OAuth ceremony state
// -----------------------------------------------------------------------------

// oauthVerifierState is the JSON stored in Verifier.Signature for an OAuth
// authorization in flight. State binds the callback to this verifier; the
// PKCE code verifier is needed for the token exchange.
type oauthVerifierState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier"`
}

func setOAuthState(ctx context.Context, store *repository.Store, v *db.Verifier, state oauthVerifierState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("verifier: encode oauth state: %w", err)
	}
	s := string(raw)
	v.Signature = &s
	if err := store.Verifiers.Update(ctx, v); err != nil {
		return fmt.Errorf("verifier: store oauth state: %w", err)
	}
	return nil
}

func oauthStateOf(v *db.Verifier) (oauthVerifierState, error) {
	if v.Signature == nil {
		return oauthVerifierState{}, ErrOAuthInvalidState
	}
	var state oauthVerifierState
	if err := json.Unmarshal([]byte(*v.Signature), &state); err != nil {
		return oauthVerifierState{}, ErrOAuthInvalidState
	}
	if state.State == "" {
		return oauthVerifierState{}, ErrOAuthInvalidState
	}
	return state, nil
}

// -----------------------------------------------------------------------------
// TOTP second-factor context
// -----------------------------------------------------------------------------

// totpVerifierContext is the JSON stored in Verifier.Signature between a
// successful first factor and the TOTP verify round. It names the user whose
// password already checked out; the verify round must not accept a code for
// anyone else.
type totpVerifierContext struct {
	UserID uuid.UUID `json:"userId"`
}

func setTOTPContext(ctx context.Context, store *repository.Store, v *db.Verifier, userID uuid.UUID) error {
	raw, err := json.Marshal(totpVerifierContext{UserID: userID})
	if err != nil {
		return fmt.Errorf("verifier: encode totp context: %w", err)
	}
	s := string(raw)
	v.Signature = &s
	if err := store.Verifiers.Update(ctx, v); err != nil {
		return fmt.Errorf("verifier: store totp context: %w", err)
	}
	return nil
}

func totpContextOf(v *db.Verifier) (totpVerifierContext, error) {
	if v.Signature == nil {
		return totpVerifierContext{}, ErrTOTPInvalidVerifier
	}
	var c totpVerifierContext
	if err := json.Unmarshal([]byte(*v.Signature), &c); err != nil {
		return totpVerifierContext{}, ErrTOTPInvalidVerifier
	}
	if c.UserID == (uuid.UUID{}) {
		return totpVerifierContext{}, ErrTOTPInvalidVerifier
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// Passkey challenge binding
// -----------------------------------------------------------------------------

// setPasskeyChallenge binds a verifier to a WebAuthn challenge. The challenge
// itself travels to the client; only its digest is persisted, so a database
// read cannot forge a ceremony response.
func setPasskeyChallenge(ctx context.Context, store *repository.Store, v *db.Verifier, challenge string) error {
	s := sha256Hex(challenge)
	v.Signature = &s
	if err := store.Verifiers.Update(ctx, v); err != nil {
		return fmt.Errorf("verifier: store passkey challenge: %w", err)
	}
	return nil
}

// consumePasskeyChallenge finds and deletes the verifier bound to the given
// challenge. Returns ErrPasskeyInvalidChallenge when no live verifier matches.
func consumePasskeyChallenge(ctx context.Context, store *repository.Store, challenge string) (*db.Verifier, error) {
	v, err := store.Verifiers.GetBySignature(ctx, sha256Hex(challenge))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(CodePasskeyInvalidChallenge, "challenge does not match a pending ceremony")
		}
		return nil, fmt.Errorf("verifier: get by challenge: %w", err)
	}
	if time.Now().After(v.ExpirationTime) {
		return nil, newError(CodePasskeyInvalidChallenge, "challenge has expired")
	}
	if err := store.Verifiers.Delete(ctx, v.ID); err != nil {
		return nil, fmt.Errorf("verifier: consume challenge: %w", err)
	}
	return v, nil
}
