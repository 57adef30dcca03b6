// Package cipher implements credential encryption at rest with key
// rotation, grounded on original_source/proxywhirl/cache/crypto.py's
// CredentialEncryptor/MultiFernet design but re-expressed with a Go-native
// AEAD: XChaCha20-Poly1305 from golang.org/x/crypto (an indirect dependency
// of the teacher's go.mod, promoted to direct here) stands in for Fernet
// (AES-128-CBC+HMAC) — spec.md §4.1 explicitly allows "any modern AEAD".
package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/proxywhirl/cache/internal/cacheerr"
	"github.com/proxywhirl/cache/internal/logging"
	"github.com/proxywhirl/cache/internal/secret"
)

// Environment variable names for key acquisition, per spec.md §6.3.
const (
	EnvCurrentKey  = "PROXYWHIRL_CACHE_ENCRYPTION_KEY"
	EnvPreviousKey = "PROXYWHIRL_CACHE_KEY_PREVIOUS"
)

// keySize is the required raw key length: 32 bytes, url-safe base64 encoded
// on the wire (environment variables), matching spec.md §4.1's key format.
const keySize = chacha20poly1305.KeySize

// Cipher encrypts and decrypts credentials with current/previous key
// rotation. All methods are safe for concurrent use.
type Cipher struct {
	mu      sync.Mutex
	current []byte
	prev    []byte
	log     *logging.Logger
}

// Option configures a Cipher at construction.
type Option func(*Cipher)

// WithLogger attaches a structured logger; the default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cipher) { c.log = l }
}

// New constructs a Cipher, acquiring {current, optional previous} key
// material from the process environment (spec.md §4.1 "Key acquisition").
// If PROXYWHIRL_CACHE_ENCRYPTION_KEY is unset, a random current key is
// generated and a warning is logged, since generated keys cannot decrypt
// any prior on-disk data.
func New(opts ...Option) (*Cipher, error) {
	c := &Cipher{log: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}

	currentRaw, hasCurrent := os.LookupEnv(EnvCurrentKey)
	if hasCurrent && currentRaw != "" {
		key, err := decodeKey(currentRaw)
		if err != nil {
			return nil, cacheerr.InvalidKey(
				fmt.Sprintf("invalid key format in %s", EnvCurrentKey), err)
		}
		c.current = key
	} else {
		key := make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, cacheerr.InvalidKey("failed to generate random key", err)
		}
		c.current = key
		c.log.Warn("generated a random encryption key; it cannot decrypt any previously cached data", map[string]interface{}{
			"env_var": EnvCurrentKey,
		})
	}

	if previousRaw, ok := os.LookupEnv(EnvPreviousKey); ok && previousRaw != "" {
		key, err := decodeKey(previousRaw)
		if err != nil {
			return nil, cacheerr.InvalidKey(
				fmt.Sprintf("invalid key format in %s", EnvPreviousKey), err)
		}
		c.prev = key
	}

	return c, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(trimPadding(encoded))
	if err != nil {
		// Fall back to standard (padded) url-safe base64, since operators
		// commonly generate keys with padding included.
		key, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("not valid url-safe base64: %w", err)
		}
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key must decode to %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// GenerateKey returns a new, correctly formatted key suitable for
// PROXYWHIRL_CACHE_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Encrypt encrypts a secret with the current key. An unset (empty) secret
// returns empty output without invoking the cipher, per spec.md §4.1.
func (c *Cipher) Encrypt(s secret.String) ([]byte, error) {
	if !s.IsSet() {
		return nil, nil
	}

	c.mu.Lock()
	key := c.current
	c.mu.Unlock()

	return seal(key, []byte(s.Expose()))
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cacheerr.IOError("failed to construct AEAD", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, cacheerr.IOError("failed to generate nonce", err)
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt attempts to decrypt ciphertext with the current key, then the
// previous key, per spec.md §4.1. Empty input returns an unset secret.
func (c *Cipher) Decrypt(ciphertext []byte) (secret.String, error) {
	if len(ciphertext) == 0 {
		return secret.String{}, nil
	}

	c.mu.Lock()
	current, prev := c.current, c.prev
	c.mu.Unlock()

	if plaintext, err := open(current, ciphertext); err == nil {
		return secret.New(string(plaintext)), nil
	}

	if prev != nil {
		if plaintext, err := open(prev, ciphertext); err == nil {
			return secret.New(string(plaintext)), nil
		}
	}

	return secret.String{}, cacheerr.DecryptionFailed("ciphertext could not be decrypted with any known key", nil)
}

func open(key, ciphertext []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("no key configured")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, sealed, nil)
}

// Rotate moves the current key into the previous slot and installs newKey
// as current. New writes use the new key; data encrypted under the old
// current key still decrypts via the previous slot. Rotation acquires the
// cipher's internal lock, so it is atomic relative to Encrypt/Decrypt
// calls, per spec.md §4.1's rotation protocol.
func (c *Cipher) Rotate(newKey string) error {
	key, err := decodeKey(newKey)
	if err != nil {
		return cacheerr.InvalidKey("invalid new key format", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prev = c.current
	c.current = key
	return nil
}
