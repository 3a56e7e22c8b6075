// Package encryption provides authenticated symmetric encryption for
// OAuth tokens at rest. Each encrypted value is a self-describing
// base64 blob of nonce + auth tag + ciphertext, so values can be
// decrypted without any external metadata.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

const (
	nonceLength = 16
	tagLength   = 16
	keyLength   = 32
)

// ErrDecryptionFailed is returned when a ciphertext blob is malformed
// or fails authentication. Decryption fails closed: callers never see
// garbage plaintext.
var ErrDecryptionFailed = errors.New("decryption failed")

// loadKey reads and validates the process-wide encryption key. The key
// is base64-encoded 32 bytes (openssl rand -base64 32). Absence or a
// wrong-length key is an error at first use, not at startup.
func loadKey() ([]byte, error) {
	encoded := viper.GetString("encryption.key")
	if encoded == "" {
		return nil, fmt.Errorf("encryption.key not configured")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("encryption.key is not valid base64: %w", err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("encryption.key must be %d bytes, got %d", keyLength, len(key))
	}

	return key, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts a plaintext string with AES-256-GCM under a fresh
// random nonce. Empty input passes through unchanged.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal produces ciphertext followed by the auth tag; the stored
	// layout is nonce + tag + ciphertext.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	combined := make([]byte, 0, nonceLength+tagLength+len(ciphertext))
	combined = append(combined, nonce...)
	combined = append(combined, tag...)
	combined = append(combined, ciphertext...)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt reverses Encrypt. A malformed blob or an authentication
// failure returns an error wrapping ErrDecryptionFailed.
func Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return encrypted, nil
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrDecryptionFailed, err)
	}
	if len(combined) < nonceLength+tagLength {
		return "", fmt.Errorf("%w: blob too short", ErrDecryptionFailed)
	}

	nonce := combined[:nonceLength]
	tag := combined[nonceLength : nonceLength+tagLength]
	ciphertext := combined[nonceLength+tagLength:]

	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}
