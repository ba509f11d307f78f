// Package vault provides authenticated symmetric encryption of secrets at
// rest, password hashing, and random token generation for the trading core.
//
// The master key is derived once at process start from an operator-supplied
// password and held only in memory; it is never persisted. Ciphertexts are
// ChaCha20-Poly1305 sealed blobs of nonce‖ciphertext‖tag, base64 encoded.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/aristath/sentinel/internal/apperr"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyLen = chacha20poly1305.KeySize // 32 bytes / 256 bits

	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB, >= 19 MiB per the admitted policy
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

// Vault holds the active encryption key and exposes AEAD operations plus a
// rotation hook. Zero value is not usable; construct with New or Derive.
type Vault struct {
	mu  sync.RWMutex
	key []byte
}

// New wraps an existing 32-byte key, e.g. loaded from a KMS or deployment secret.
func New(key []byte) (*Vault, error) {
	if len(key) != keyLen {
		return nil, apperr.New(apperr.KindCrypto, "key must be 32 bytes")
	}
	cp := make([]byte, keyLen)
	copy(cp, key)
	return &Vault{key: cp}, nil
}

// Derive derives the master key from an operator-supplied password and a
// fixed, configuration-held salt using Argon2id, the same KDF family used
// for password hashing below but with raw-key output instead of a PHC string.
func Derive(password string, salt []byte) (*Vault, error) {
	if len(salt) == 0 {
		return nil, apperr.New(apperr.KindCrypto, "salt must not be empty")
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keyLen)
	return New(key)
}

// Encrypt seals plaintext under the active key, returning a base64 blob of
// nonce‖ciphertext‖tag.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to construct cipher", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to generate nonce", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob previously produced by Encrypt. A tampered ciphertext,
// wrong key, or malformed blob yields KindCrypto ("AuthError" per the vault
// contract); the caller must treat that blob as unrecoverable.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "invalid ciphertext encoding", err)
	}

	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to construct cipher", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", apperr.New(apperr.KindCrypto, "ciphertext too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "decryption failed", err)
	}

	return string(plaintext), nil
}

// Rotate re-encrypts every blob returned by fetch under a newKey, invoking
// store with the re-sealed value for each id. The caller is expected to run
// fetch/store inside a single database transaction so a failure partway
// through leaves no mixed-key blobs committed; commit, if non-nil, is
// invoked after every blob has been re-sealed and must make the stores
// durable (typically tx.Commit). Rotate fails closed on the first error and
// swaps the in-memory key only once commit has succeeded, so a failed
// rotation leaves both the rows and the active key untouched.
func (v *Vault) Rotate(newKey []byte, ids []string, fetch func(id string) (string, error), store func(id, reencrypted string) error, commit func() error) error {
	if len(newKey) != keyLen {
		return apperr.New(apperr.KindCrypto, "new key must be 32 bytes")
	}

	next, err := New(newKey)
	if err != nil {
		return err
	}

	for _, id := range ids {
		blob, err := fetch(id)
		if err != nil {
			return apperr.Wrap(apperr.KindCrypto, fmt.Sprintf("rotate: fetch %s", id), err)
		}
		plaintext, err := v.Decrypt(blob)
		if err != nil {
			return apperr.Wrap(apperr.KindCrypto, fmt.Sprintf("rotate: decrypt %s", id), err)
		}
		reencrypted, err := next.Encrypt(plaintext)
		if err != nil {
			return apperr.Wrap(apperr.KindCrypto, fmt.Sprintf("rotate: reencrypt %s", id), err)
		}
		if err := store(id, reencrypted); err != nil {
			return apperr.Wrap(apperr.KindCrypto, fmt.Sprintf("rotate: store %s", id), err)
		}
	}

	if commit != nil {
		if err := commit(); err != nil {
			return apperr.Wrap(apperr.KindCrypto, "rotate: commit failed", err)
		}
	}

	v.mu.Lock()
	v.key = next.key
	v.mu.Unlock()
	return nil
}

// GenerateToken returns n cryptographically random bytes, base64url encoded
// with no padding — used for session tokens.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to generate random token", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewSalt returns a random salt suitable for Derive.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "failed to generate salt", err)
	}
	return salt, nil
}
