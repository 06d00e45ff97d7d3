// Package vault encrypts and decrypts the secrets the archiver keeps in
// its database: IMAP passwords, OAuth client secrets and refresh tokens.
// A single symmetric key is loaded at startup; accounts whose secrets
// cannot be decrypted are skipped, never fatal to the process.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoKey is returned by Encrypt/Decrypt when no encryption key
	// was configured. Ingestion for the affected account must be
	// skipped rather than crash the scheduler.
	ErrNoKey = errors.New("vault: no encryption key configured")

	// ErrDecrypt is returned when ciphertext is corrupt or was written
	// with a different key.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Vault seals and opens secrets with AES-256-GCM. The zero-key form is
// valid and returns ErrNoKey from every operation.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64-encoded 32-byte key. An empty key
// yields a keyless vault whose operations all fail with ErrNoKey.
func New(key string) (*Vault, error) {
	if key == "" {
		return &Vault{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("vault: key is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(raw))
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// HasKey reports whether a key was configured.
func (v *Vault) HasKey() bool {
	return v.aead != nil
}

// Encrypt seals plaintext and returns base64 ciphertext with the nonce
// prepended.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v.aead == nil {
		return "", ErrNoKey
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. Corrupt input, or input
// sealed under a rotated key, returns ErrDecrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if v.aead == nil {
		return "", ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < v.aead.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}
