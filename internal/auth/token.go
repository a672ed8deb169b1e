package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// defaultAccessTokenDuration is how long an access token remains valid
	// unless overridden in Config.JWT. Refresh tokens handle session
	// continuity beyond this.
	defaultAccessTokenDuration = time.Hour

	// rsaKeyBits is the RSA key size used for JWT signing when generating
	// an ephemeral key pair. 2048 bits is the minimum recommended.
	rsaKeyBits = 2048
)

// Claims holds the JWT claims embedded in every access token. The subject is
// "<userID>|<sessionID>" — both halves are needed so a resource server can
// tie the token back to one session, not just one user.
type Claims struct {
	jwt.RegisteredClaims
}

// Subject extracts the user and session IDs from the claims subject.
func (c *Claims) Subject() (userID, sessionID uuid.UUID, err error) {
	u, s, ok := strings.Cut(c.RegisteredClaims.Subject, "|")
	if !ok {
		return uuid.UUID{}, uuid.UUID{}, errors.New("auth: subject is not userID|sessionID")
	}
	userID, err = uuid.Parse(u)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, fmt.Errorf("auth: parsing subject user id: %w", err)
	}
	sessionID, err = uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, fmt.Errorf("auth: parsing subject session id: %w", err)
	}
	return userID, sessionID, nil
}

// JWTManager handles RS256 signing of access tokens and publishes the public
// half as a JWK set. Verification of issued tokens is the transport's job via
// the JWKS endpoint — the manager only verifies tokens presented back to this
// process (the HTTP middleware path).
type JWTManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	duration   time.Duration
}

// NewJWTManagerFromFiles loads an RSA key pair from PEM files on disk.
// privateKeyPath must point to a PKCS#8 or PKCS#1 PEM-encoded private key;
// publicKeyPath to the corresponding PKIX PEM public key.
//
// Use this in production where keys are mounted as secrets.
func NewJWTManagerFromFiles(privateKeyPath, publicKeyPath, issuer string, duration time.Duration) (*JWTManager, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading private key file: %w", err)
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}

	return newJWTManagerFromPEM(privBytes, pubBytes, issuer, duration)
}

// NewJWTManagerGenerated creates a JWTManager with a freshly generated RSA
// key pair. The keys are ephemeral — all existing tokens are invalidated on
// restart. Suitable for development and tests.
func NewJWTManagerGenerated(issuer string, duration time.Duration) (*JWTManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}
	return newJWTManager(privateKey, &privateKey.PublicKey, issuer, duration), nil
}

func newJWTManager(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer string, duration time.Duration) *JWTManager {
	if duration <= 0 {
		duration = defaultAccessTokenDuration
	}
	return &JWTManager{
		privateKey: priv,
		publicKey:  pub,
		keyID:      keyIDFor(pub),
		issuer:     issuer,
		duration:   duration,
	}
}

// newJWTManagerFromPEM parses PEM-encoded RSA key bytes and returns a JWTManager.
func newJWTManagerFromPEM(privatePEM, publicPEM []byte, issuer string, duration time.Duration) (*JWTManager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	// Support both PKCS#1 (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) formats.
	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return newJWTManager(privateKey, publicKey, issuer, duration), nil
}

// GenerateAccessToken creates a signed RS256 JWT bound to one user and one
// session. The token expires after the configured duration (1 hour default).
func (m *JWTManager) GenerateAccessToken(userID, sessionID uuid.UUID) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID.String() + "|" + sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies a JWT string issued by this manager.
// Used by the HTTP middleware on routes that require a signed-in user.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than RS256.
			// This prevents the "alg:none" and HMAC confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrNotSignedIn
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrNotSignedIn
	}
	return claims, nil
}

// Issuer returns the configured token issuer (the site URL).
func (m *JWTManager) Issuer() string {
	return m.issuer
}

// JWKS returns the public signing key as a JWK set for
// /.well-known/jwks.json. Key rotation replaces the key and publishes both
// old and new for the cache window; this manager holds a single key, so the
// set has one entry.
func (m *JWTManager) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       m.publicKey,
				KeyID:     m.keyID,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			},
		},
	}
}

// keyIDFor derives a stable key id from the public key material, so the kid
// survives restarts with the same key file.
func keyIDFor(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "authgate-key"
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// -----------------------------------------------------------------------------
// Opaque refresh tokens
// -----------------------------------------------------------------------------

// FormatRefreshToken renders the opaque client-facing refresh token string.
// Both halves are needed to look up the row and to bind the token to its
// session even if the row id leaks in isolation.
func FormatRefreshToken(refreshTokenID, sessionID uuid.UUID) string {
	return refreshTokenID.String() + "|" + sessionID.String()
}

// ParseRefreshToken splits and validates an opaque refresh token string.
// Any format deviation yields ErrInvalidRefreshToken.
func ParseRefreshToken(raw string) (refreshTokenID, sessionID uuid.UUID, err error) {
	first, second, ok := strings.Cut(raw, "|")
	if !ok {
		return uuid.UUID{}, uuid.UUID{}, ErrInvalidRefreshToken
	}
	refreshTokenID, err = uuid.Parse(first)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, ErrInvalidRefreshToken
	}
	sessionID, err = uuid.Parse(second)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, ErrInvalidRefreshToken
	}
	return refreshTokenID, sessionID, nil
}
