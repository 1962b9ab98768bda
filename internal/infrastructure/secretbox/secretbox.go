// Package secretbox seals tenant credentials stored in the database.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// The salt is fixed so a restart with the same secret key can open
	// values sealed before it.
	keySalt       = "payslip-dispatch/secretbox/v1"
	keyIterations = 100_000
)

var ErrOpen = errors.New("secretbox: cannot open value")

// Box encrypts short strings with XChaCha20-Poly1305 under a key derived
// from the service secret.
type Box struct {
	key []byte
}

func New(secret string) (*Box, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("secretbox: secret key is empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(keySalt), keyIterations, chacha20poly1305.KeySize, sha256.New)
	return &Box{key: key}, nil
}

// Seal returns base64url(nonce || ciphertext). Empty input stays empty.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: value too short", ErrOpen)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return string(plain), nil
}
