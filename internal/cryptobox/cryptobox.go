// Package cryptobox provides authenticated symmetric encryption for
// refresh-token ciphertext at rest.
package cryptobox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptFailed is returned when a ciphertext fails authentication.
// Callers must treat this as fatal for the specific record only — see
// spec.md §4.1: the account is marked disabled, the pool is not poisoned.
var ErrDecryptFailed = errors.New("cryptobox: decryption failed")

// devSalt is the static salt used to derive a development-only key when
// TOKEN_ENCRYPTION_KEY is unset. It is not a secret; it exists so the
// derived key is stable across restarts on the same machine, not so it is
// hard to guess.
var devSalt = []byte("tokenpool-dev-key-derivation-salt-v1")

// Box performs AEAD encryption/decryption for refresh-token ciphertext.
// Each ciphertext embeds its own nonce: wire layout is nonce || ciphertext
// || tag, matching the column layout in spec.md §6.
type Box struct {
	aead cipher.AEAD
}

// New constructs a Box from a 32-byte key.
func New(key [chacha20poly1305.KeySize]byte) (*Box, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: construct aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewFromConfig builds a Box from TOKEN_ENCRYPTION_KEY, base64url-encoded.
// When the key is absent it derives a stable key from a static salt plus a
// machine-bound seed and logs a warning — development only, per spec.md §4.1.
func NewFromConfig(base64Key string, logger *slog.Logger) (*Box, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if base64Key == "" {
		logger.Warn("TOKEN_ENCRYPTION_KEY not set, deriving a development key; do not use this in production")
		key, err := deriveDevKey()
		if err != nil {
			return nil, err
		}
		return New(key)
	}

	raw, err := base64.URLEncoding.Strict().DecodeString(base64Key)
	if err != nil {
		// Tolerate missing padding, a common operator mistake.
		raw, err = base64.RawURLEncoding.DecodeString(base64Key)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: invalid TOKEN_ENCRYPTION_KEY: %w", err)
		}
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cryptobox: TOKEN_ENCRYPTION_KEY must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}

	var key [chacha20poly1305.KeySize]byte
	copy(key[:], raw)
	return New(key)
}

// deriveDevKey derives a 32-byte key from a static salt and a machine-bound
// seed (hostname) via HKDF-SHA256. It is deterministic across restarts on
// the same host, which is the point — it is not meant to be secret.
func deriveDevKey() ([chacha20poly1305.KeySize]byte, error) {
	var out [chacha20poly1305.KeySize]byte

	seed := "unknown-host"
	if h, err := os.Hostname(); err == nil && h != "" {
		seed = h
	}

	r := hkdf.New(sha256.New, []byte(seed), devSalt, []byte("tokenpool-refresh-token-box"))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("cryptobox: derive development key: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+b.aead.Overhead())
	out = append(out, nonce...)
	out = b.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a nonce || ciphertext || tag blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Fingerprint returns a stable, one-way hex digest of a refresh token,
// used for uniqueness and dedup on import (spec.md §3, §8.5). It is
// independent of the AEAD key so it stays stable across key rotation.
func Fingerprint(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
