package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

// handoffCodeTTL bounds the window between the provider callback landing and
// the client exchanging the one-time code for tokens.
const handoffCodeTTL = 2 * time.Minute

// oauth2Config builds the x/oauth2 client config for a provider. OIDC
// providers get their endpoints from issuer discovery; plain OAuth providers
// carry them in configuration.
func oauth2Config(ctx context.Context, cfg *Config, provider *Provider) (*oauth2.Config, *oidc.Provider, error) {
	redirectURL := strings.TrimSuffix(cfg.SiteURL, "/") + "/api/auth/callback/" + provider.ID

	scopes := provider.Scopes
	if provider.Type == ProviderTypeOIDC {
		op, err := oidc.NewProvider(ctx, provider.Issuer)
		if err != nil {
			return nil, nil, fmt.Errorf("oauth: discovering %s: %w", provider.ID, err)
		}
		if len(scopes) == 0 {
			scopes = []string{oidc.ScopeOpenID, "email", "profile"}
		}
		return &oauth2.Config{
			ClientID:     provider.ClientID,
			ClientSecret: provider.ClientSecret,
			Endpoint:     op.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		}, op, nil
	}

	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthorizationEndpoint,
			TokenURL: provider.TokenEndpoint,
		},
		RedirectURL: redirectURL,
		Scopes:      scopes,
	}, nil, nil
}

// authorizationURL starts the redirect leg: it binds a fresh state and PKCE
// verifier to the ceremony's verifier row and returns the provider URL to
// send the browser to.
func authorizationURL(ctx context.Context, store *repository.Store, cfg *Config, provider *Provider, verifierID uuid.UUID) (string, error) {
	if !provider.isOAuth() {
		return "", newError(CodeOAuthMissingProvider, "provider "+provider.ID+" is not an oauth provider")
	}

	v, err := getVerifier(ctx, store, verifierID)
	if err != nil {
		return "", err
	}

	conf, _, err := oauth2Config(ctx, cfg, provider)
	if err != nil {
		return "", err
	}

	state, err := generateCode(32)
	if err != nil {
		return "", err
	}
	codeVerifier := oauth2.GenerateVerifier()

	if err := setOAuthState(ctx, store, v, oauthVerifierState{State: state, CodeVerifier: codeVerifier}); err != nil {
		return "", err
	}

	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier)), nil
}

// handleOAuthCallback finishes the redirect leg: it checks the returned state
// against the verifier, exchanges the authorization code with PKCE, extracts
// the profile, upserts the user, and mints the one-time handoff code the
// browser carries back to the client.
func handleOAuthCallback(ctx context.Context, store *repository.Store, cfg *Config, provider *Provider, verifierID uuid.UUID, state, authCode string) (string, error) {
	v, err := consumeVerifier(ctx, store, verifierID)
	if err != nil {
		return "", err
	}
	stored, err := oauthStateOf(v)
	if err != nil {
		return "", err
	}
	if !constantTimeEqual(stored.State, state) {
		return "", ErrOAuthInvalidState
	}

	conf, op, err := oauth2Config(ctx, cfg, provider)
	if err != nil {
		return "", err
	}

	token, err := conf.Exchange(ctx, authCode, oauth2.VerifierOption(stored.CodeVerifier))
	if err != nil {
		return "", newError(CodeOAuthProviderError, "token exchange failed")
	}

	profile, verified, err := fetchProfile(ctx, conf, op, provider, token)
	if err != nil {
		return "", err
	}
	if profile.ID == "" {
		return "", ErrOAuthInvalidProfile
	}

	_, account, err := upsertUserAndAccount(ctx, store, cfg, CreateOrUpdateUserArgs{
		Provider:       provider,
		Profile:        profile,
		ExistingUserID: sessionUserID(ctx, store, v.SessionID),
		EmailVerified:  verified,
	})
	if err != nil {
		return "", err
	}

	handoff, err := generateCode(codeLength)
	if err != nil {
		return "", err
	}
	row := &db.VerificationCode{
		AccountID:      account.ID,
		Provider:       provider.ID,
		Code:           handoff,
		ExpirationTime: time.Now().Add(handoffCodeTTL),
		VerifierID:     &verifierID,
		EmailVerified:  verified,
	}
	if err := store.VerificationCodes.Create(ctx, row); err != nil {
		return "", fmt.Errorf("oauth: storing handoff code: %w", err)
	}
	return handoff, nil
}

// sessionUserID resolves the verifier's bound session to its user, for
// ceremonies started by a signed-in user. Returns nil when unbound or stale.
func sessionUserID(ctx context.Context, store *repository.Store, sessionID *uuid.UUID) *uuid.UUID {
	if sessionID == nil {
		return nil
	}
	session, err := store.Sessions.GetByID(ctx, *sessionID)
	if err != nil || time.Now().After(session.ExpirationTime) {
		return nil
	}
	return &session.UserID
}

// fetchProfile extracts the normalized profile. OIDC providers must return an
// ID token, which is verified against the issuer's keys; plain OAuth
// providers are queried at their userinfo endpoint and mapped through the
// configured Profile function.
func fetchProfile(ctx context.Context, conf *oauth2.Config, op *oidc.Provider, provider *Provider, token *oauth2.Token) (Profile, bool, error) {
	if provider.Type == ProviderTypeOIDC {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			return Profile{}, false, ErrOAuthMissingIDToken
		}
		idToken, err := op.Verifier(&oidc.Config{ClientID: provider.ClientID}).Verify(ctx, rawIDToken)
		if err != nil {
			return Profile{}, false, newError(CodeOAuthProviderError, "id token verification failed")
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return Profile{}, false, ErrOAuthInvalidProfile
		}
		return profileFromClaims(provider, claims)
	}

	if provider.UserInfoEndpoint == "" {
		return Profile{}, false, ErrOAuthInvalidProfile
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoEndpoint, nil)
	if err != nil {
		return Profile{}, false, fmt.Errorf("oauth: userinfo request: %w", err)
	}
	resp, err := conf.Client(ctx, token).Do(req)
	if err != nil {
		return Profile{}, false, newError(CodeOAuthProviderError, "userinfo request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, false, newError(CodeOAuthProviderError, "userinfo request failed")
	}
	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Profile{}, false, ErrOAuthInvalidProfile
	}
	return profileFromClaims(provider, claims)
}

// profileFromClaims maps raw claims to a Profile, via the provider's mapper
// when set or the OIDC standard claims otherwise. The second return is
// whether the provider asserts the email as verified.
func profileFromClaims(provider *Provider, claims map[string]any) (Profile, bool, error) {
	if provider.Profile != nil {
		p, err := provider.Profile(claims)
		if err != nil {
			return Profile{}, false, ErrOAuthInvalidProfile
		}
		return p, p.EmailVerified, nil
	}

	p := Profile{}
	if sub, ok := claims["sub"].(string); ok {
		p.ID = sub
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		p.Email = &email
	}
	if v, ok := claims["email_verified"].(bool); ok {
		p.EmailVerified = v
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if pic, ok := claims["picture"].(string); ok {
		p.Image = pic
	}
	if phone, ok := claims["phone_number"].(string); ok && phone != "" {
		p.Phone = &phone
	}
	if v, ok := claims["phone_number_verified"].(bool); ok {
		p.PhoneVerified = v
	}
	return p, p.EmailVerified, nil
}

// verifyHandoffCode exchanges the one-time code minted by the callback for
// the verified user. The code must be presented together with the verifier
// that started the ceremony, binding the browser leg to the client that
// initiated it.
func verifyHandoffCode(ctx context.Context, store *repository.Store, code string, presentedVerifier *uuid.UUID) (uuid.UUID, error) {
	var userID uuid.UUID

	row, err := store.VerificationCodes.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return userID, ErrInvalidVerificationCode
		}
		return userID, fmt.Errorf("oauth: handoff lookup: %w", err)
	}
	if time.Now().After(row.ExpirationTime) {
		return userID, ErrInvalidVerificationCode
	}
	if row.VerifierID != nil {
		if presentedVerifier == nil || *presentedVerifier != *row.VerifierID {
			return userID, ErrInvalidVerificationCode
		}
	}

	if err := store.VerificationCodes.Delete(ctx, row.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return userID, ErrInvalidVerificationCode
		}
		return userID, fmt.Errorf("oauth: consuming handoff: %w", err)
	}

	account, err := store.Accounts.GetByID(ctx, row.AccountID)
	if err != nil {
		return userID, fmt.Errorf("oauth: loading account: %w", err)
	}
	return account.UserID, nil
}

// validateRedirect applies the configured redirect policy; the default
// accepts only the site URL and its subpaths.
func validateRedirect(cfg *Config, redirectTo string) (string, error) {
	if cfg.Callbacks.Redirect != nil {
		target, err := cfg.Callbacks.Redirect(redirectTo)
		if err != nil {
			return "", ErrInvalidRedirect
		}
		return target, nil
	}

	site := strings.TrimSuffix(cfg.SiteURL, "/")
	if redirectTo == "" {
		return site, nil
	}
	if strings.HasPrefix(redirectTo, "/") && !strings.HasPrefix(redirectTo, "//") {
		return site + redirectTo, nil
	}
	if redirectTo == site || strings.HasPrefix(redirectTo, site+"/") {
		return redirectTo, nil
	}
	return "", ErrInvalidRedirect
}
