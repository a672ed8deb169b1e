package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the process-wide AES-256 key behind EncryptedString.
// InitEncryption must run before the first read or write of an encrypted
// column.
var encryptionKey []byte

// InitEncryption sets the at-rest encryption key. key must be exactly 32
// bytes (AES-256); authd derives it from the operator-supplied secret. Call
// once at startup, before db.New.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// EncryptedString is a string column encrypted with AES-256-GCM on write and
// decrypted on read. Account secret hashes and TOTP seeds use it, so a copy
// of the database alone reveals neither.
//
// The stored form is base64(nonce + ciphertext + tag). An empty value is
// stored as the empty string.
type EncryptedString string

// aeadCipher builds the GCM instance for the configured key.
func aeadCipher() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: creating GCM: %w", err)
	}
	return gcm, nil
}

// Value implements driver.Valuer: GORM calls it before writing the column.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	gcm, err := aeadCipher()
	if err != nil {
		return nil, err
	}

	// GCM security requires a fresh nonce per encryption under the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner: GORM calls it after reading the column.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}

	gcm, err := aeadCipher()
	if err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: decoding base64: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return errors.New("db: encrypted value too short to contain a nonce")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: decrypting value: %w", err)
	}
	*e = EncryptedString(plaintext)
	return nil
}
