package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

// Environment variables supplying key material.
const (
	EnvEncryptionKey        = "ALEXAHUB_ENCRYPTION_KEY"
	EnvEncryptionPassphrase = "ALEXAHUB_ENCRYPTION_PASSPHRASE"
)

const saltFileName = ".salt"

// Cipher encrypts token records with AES-256-GCM. A nil *Cipher is valid
// and means encryption is disabled (records stored as plain JSON).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("store: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromPassphrase derives a 32-byte key from a passphrase with
// scrypt (N=32768, r=8, p=1) and a per-install random salt persisted at
// {authDir}/.salt.
func NewCipherFromPassphrase(passphrase, authDir string) (*Cipher, error) {
	salt, err := loadOrCreateSalt(authDir)
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("store: scrypt key derivation failed: %w", err)
	}
	return NewCipher(key)
}

// CipherFromEnvironment resolves the configured key material. It returns
// (nil, nil) when no key is configured; callers warn and run unencrypted.
func CipherFromEnvironment(authDir string) (*Cipher, error) {
	if raw := strings.TrimSpace(os.Getenv(EnvEncryptionKey)); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("store: %s is not valid base64: %w", EnvEncryptionKey, err)
		}
		return NewCipher(key)
	}
	if passphrase := os.Getenv(EnvEncryptionPassphrase); passphrase != "" {
		return NewCipherFromPassphrase(passphrase, authDir)
	}
	return nil, nil
}

func loadOrCreateSalt(authDir string) ([]byte, error) {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: failed to create auth dir: %w", err)
	}
	path := filepath.Join(authDir, saltFileName)
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("store: failed to persist salt: %w", err)
	}
	log.Infof("generated new encryption salt at %s", path)
	return salt, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt reverses Encrypt. Tampered or wrong-key payloads yield ErrDecrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64", ErrDecrypt)
	}
	raw = raw[:n]
	if len(raw) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: payload shorter than nonce", ErrDecrypt)
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
