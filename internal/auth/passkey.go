package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

// newWebAuthn builds the relying-party handle from configuration. Only
// ES256 and RS256 are offered to authenticators; everything registered can
// therefore be verified everywhere.
func newWebAuthn(cfg *Config) (*webauthn.WebAuthn, error) {
	wc := &webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	}
	if wc.RPDisplayName == "" {
		wc.RPDisplayName = issuerName(cfg)
	}
	web, err := webauthn.New(wc)
	if err != nil {
		return nil, fmt.Errorf("passkey: configuring relying party: %w", err)
	}
	return web, nil
}

var passkeyCredentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

// webauthnUser adapts a user row and its passkeys to the library interface.
// The user handle is the raw UUID bytes, which discoverable login reverses.
type webauthnUser struct {
	user     *db.User
	passkeys []db.Passkey
}

func (u *webauthnUser) WebAuthnID() []byte {
	return u.user.ID[:]
}

func (u *webauthnUser) WebAuthnName() string {
	if u.user.Email != nil {
		return *u.user.Email
	}
	return u.user.ID.String()
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.WebAuthnName()
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.passkeys))
	for i := range u.passkeys {
		if cred, err := credentialOf(&u.passkeys[i]); err == nil {
			creds = append(creds, *cred)
		}
	}
	return creds
}

// credentialOf decodes a stored passkey row into a library credential.
func credentialOf(p *db.Passkey) (*webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(p.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("passkey: decoding credential id: %w", err)
	}
	pub, err := base64.RawURLEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("passkey: decoding public key: %w", err)
	}
	var transports []protocol.AuthenticatorTransport
	var raw []string
	if json.Unmarshal([]byte(p.Transports), &raw) == nil {
		for _, t := range raw {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
	}
	return &webauthn.Credential{
		ID:        id,
		PublicKey: pub,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupState: p.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: p.Counter,
		},
	}, nil
}

// loadWebAuthnUser loads a user and its passkeys behind the library
// interface.
func loadWebAuthnUser(ctx context.Context, store *repository.Store, userID uuid.UUID) (*webauthnUser, error) {
	user, err := store.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("passkey: loading user: %w", err)
	}
	passkeys, err := store.Passkeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &webauthnUser{user: user, passkeys: passkeys}, nil
}

// beginPasskeyRegistration starts a registration ceremony for a signed-in
// user. The returned options go to the browser; only the challenge digest is
// persisted, on a verifier bound to the caller's session.
func beginPasskeyRegistration(ctx context.Context, store *repository.Store, web *webauthn.WebAuthn, userID, sessionID uuid.UUID) (*protocol.CredentialCreation, error) {
	wu, err := loadWebAuthnUser(ctx, store, userID)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(wu.passkeys))
	for _, cred := range wu.WebAuthnCredentials() {
		exclusions = append(exclusions, cred.Descriptor())
	}

	creation, session, err := web.BeginRegistration(wu,
		webauthn.WithCredentialParameters(passkeyCredentialParameters),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, fmt.Errorf("passkey: begin registration: %w", err)
	}

	sid := sessionID
	v, err := newVerifier(ctx, store, &sid)
	if err != nil {
		return nil, err
	}
	if err := setPasskeyChallenge(ctx, store, v, session.Challenge); err != nil {
		return nil, err
	}
	return creation, nil
}

// finishPasskeyRegistration validates the authenticator's attestation
// response and stores the new credential. The challenge inside the response
// must match a live verifier bound to the caller's session.
func finishPasskeyRegistration(ctx context.Context, store *repository.Store, web *webauthn.WebAuthn, userID, sessionID uuid.UUID, response []byte, name string) (*db.Passkey, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, newError(CodePasskeyInvalidClientData, "attestation response did not parse")
	}

	v, err := consumePasskeyChallenge(ctx, store, parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return nil, err
	}
	if v.SessionID == nil || *v.SessionID != sessionID {
		return nil, newError(CodePasskeyInvalidChallenge, "challenge belongs to a different session")
	}

	wu, err := loadWebAuthnUser(ctx, store, userID)
	if err != nil {
		return nil, err
	}
	session := webauthn.SessionData{
		Challenge:        parsed.Response.CollectedClientData.Challenge,
		UserID:           wu.WebAuthnID(),
		UserVerification: protocol.VerificationPreferred,
	}

	cred, err := web.CreateCredential(wu, session, parsed)
	if err != nil {
		return nil, passkeyError(err)
	}

	alg, err := credentialAlgorithm(cred.PublicKey)
	if err != nil {
		return nil, newError(CodePasskeyUnsupportedAlgorithm, "credential uses an unsupported algorithm")
	}

	transports, _ := json.Marshal(transportStrings(cred.Transport))
	passkey := &db.Passkey{
		UserID:       userID,
		CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:    base64.RawURLEncoding.EncodeToString(cred.PublicKey),
		Algorithm:    alg,
		Counter:      cred.Authenticator.SignCount,
		Transports:   string(transports),
		DeviceType:   deviceType(cred.Flags.BackupEligible),
		BackedUp:     cred.Flags.BackupState,
		Name:         name,
	}

	if err := store.Passkeys.Create(ctx, passkey); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, newError(CodePasskeyUnknownCredential, "credential is already registered")
		}
		return nil, err
	}
	return passkey, nil
}

func deviceType(backupEligible bool) string {
	if backupEligible {
		return "multiDevice"
	}
	return "singleDevice"
}

func transportStrings(ts []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}

// credentialAlgorithm extracts the COSE algorithm from the stored public key
// and restricts it to the offered set.
func credentialAlgorithm(publicKey []byte) (int64, error) {
	parsed, err := webauthncose.ParsePublicKey(publicKey)
	if err != nil {
		return 0, err
	}
	var alg int64
	switch k := parsed.(type) {
	case webauthncose.EC2PublicKeyData:
		alg = k.Algorithm
	case webauthncose.RSAPublicKeyData:
		alg = k.Algorithm
	default:
		return 0, errors.New("unsupported key type")
	}
	if alg != int64(webauthncose.AlgES256) && alg != int64(webauthncose.AlgRS256) {
		return 0, errors.New("unsupported algorithm")
	}
	return alg, nil
}

// beginPasskeyLogin starts an authentication ceremony. With an email it
// scopes allowCredentials to the verified holder's registered passkeys;
// without one (or when the address is unknown) the options come back
// usernameless, so the response never reveals whether an address exists.
func beginPasskeyLogin(ctx context.Context, store *repository.Store, web *webauthn.WebAuthn, email string) (*protocol.CredentialAssertion, error) {
	var opts []webauthn.LoginOption
	if email != "" {
		allowed, err := allowedCredentialsFor(ctx, store, email)
		if err != nil {
			return nil, err
		}
		if len(allowed) > 0 {
			opts = append(opts, webauthn.WithAllowedCredentials(allowed))
		}
	}

	assertion, session, err := web.BeginDiscoverableLogin(opts...)
	if err != nil {
		return nil, fmt.Errorf("passkey: begin login: %w", err)
	}

	v, err := newVerifier(ctx, store, nil)
	if err != nil {
		return nil, err
	}
	if err := setPasskeyChallenge(ctx, store, v, session.Challenge); err != nil {
		return nil, err
	}
	return assertion, nil
}

// allowedCredentialsFor builds the allowCredentials descriptors for the user
// holding the verified email. An unknown address yields an empty list.
func allowedCredentialsFor(ctx context.Context, store *repository.Store, email string) ([]protocol.CredentialDescriptor, error) {
	user, err := store.Users.FindByVerifiedEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("passkey: resolving email: %w", err)
	}
	passkeys, err := store.Passkeys.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	wu := &webauthnUser{user: user, passkeys: passkeys}
	creds := wu.WebAuthnCredentials()
	descriptors := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		descriptors = append(descriptors, cred.Descriptor())
	}
	return descriptors, nil
}

// finishPasskeyLogin validates an assertion response and returns the owning
// user. The user handle inside the response is the UUID minted at
// registration; the counter must advance, otherwise the credential is
// treated as cloned.
func finishPasskeyLogin(ctx context.Context, store *repository.Store, web *webauthn.WebAuthn, response []byte) (uuid.UUID, error) {
	var userID uuid.UUID

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return userID, newError(CodePasskeyInvalidClientData, "assertion response did not parse")
	}

	if _, err := consumePasskeyChallenge(ctx, store, parsed.Response.CollectedClientData.Challenge); err != nil {
		return userID, err
	}

	credentialID := base64.RawURLEncoding.EncodeToString(parsed.RawID)
	stored, err := store.Passkeys.GetByCredentialID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return userID, newError(CodePasskeyUnknownCredential, "credential is not registered")
		}
		return userID, err
	}

	session := webauthn.SessionData{
		Challenge:        parsed.Response.CollectedClientData.Challenge,
		UserVerification: protocol.VerificationPreferred,
	}
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		handle, err := uuid.FromBytes(userHandle)
		if err != nil {
			return nil, errors.New("user handle is not a uuid")
		}
		if handle != stored.UserID {
			return nil, errors.New("user handle does not own this credential")
		}
		return loadWebAuthnUser(ctx, store, handle)
	}

	cred, err := web.ValidateDiscoverableLogin(handler, session, parsed)
	if err != nil {
		return userID, passkeyError(err)
	}

	if err := checkCounter(stored.Counter, cred.Authenticator.SignCount); err != nil {
		return userID, err
	}

	now := time.Now()
	stored.Counter = cred.Authenticator.SignCount
	stored.LastUsedAt = &now
	if err := store.Passkeys.Update(ctx, stored); err != nil {
		return userID, err
	}
	return stored.UserID, nil
}

// checkCounter enforces assertion-counter monotonicity. Authenticators that
// always report zero never trip it; any other non-increase means the key
// material exists in two places.
func checkCounter(stored, presented uint32) error {
	if presented == 0 && stored == 0 {
		return nil
	}
	if presented <= stored {
		return newError(CodePasskeyCounterError, "assertion counter did not advance")
	}
	return nil
}

// passkeyError maps library validation failures to stable codes.
func passkeyError(err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		switch pe.Type {
		case "verification_error":
			return newError(CodePasskeyInvalidSignature, "assertion verification failed")
		}
	}
	return newError(CodePasskeyInvalidSignature, "ceremony validation failed")
}

// listPasskeys returns a user's registered credentials for management UIs.
func listPasskeys(ctx context.Context, store *repository.Store, userID uuid.UUID) ([]db.Passkey, error) {
	return store.Passkeys.ListByUser(ctx, userID)
}

// removePasskey deletes one of the user's credentials.
func removePasskey(ctx context.Context, store *repository.Store, userID, passkeyID uuid.UUID) error {
	passkeys, err := store.Passkeys.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for i := range passkeys {
		if passkeys[i].ID == passkeyID {
			return store.Passkeys.Delete(ctx, passkeyID)
		}
	}
	return repository.ErrNotFound
}
