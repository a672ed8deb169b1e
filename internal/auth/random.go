package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// userCodeAlphabet excludes vowels so random user codes cannot spell
	// words, and excludes easily-confused glyphs (0/O, 1/I).
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
)

// randomString draws n characters uniformly from the given alphabet using
// crypto/rand. rand.Int avoids the modulo bias of masking.
func randomString(n int, alphabet string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("auth: generating random string: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// generateCode returns an n-character crypto-random alphanumeric string, the
// format used for magic-link tokens, email OTPs and OAuth handoff codes.
func generateCode(n int) (string, error) {
	return randomString(n, alphanumeric)
}

// generateNumericCode returns an n-digit numeric OTP for channels where the
// user types the code by hand (phone).
func generateNumericCode(n int) (string, error) {
	return randomString(n, "0123456789")
}

// generateUserCode returns an 8-character device-flow user code rendered
// "XXXX-XXXX" from the vowel-free alphabet.
func generateUserCode() (string, error) {
	s, err := randomString(8, userCodeAlphabet)
	if err != nil {
		return "", err
	}
	return s[:4] + "-" + s[4:], nil
}

// sha256Hex returns the lowercase hex SHA-256 digest of s. Device codes and
// API keys are stored and looked up only through this digest.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual compares two strings without leaking the match position
// through timing.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
