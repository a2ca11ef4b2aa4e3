// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto provides the cryptographic primitives used by the credential
// subsystem: secure random bytes, PBKDF2 key derivation, HMAC-SHA256 signing
// and AES-256-GCM authenticated encryption.
//
// All byte sequences that cross a storage boundary are base64 encoded with
// EncodeBase64 / DecodeBase64. Every primitive failure is reported wrapped
// in ErrCryptoFailure so callers can classify it with errors.Is.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultIterations is the PBKDF2 iteration count for password hashing.
	DefaultIterations = 100000

	// KeySize is the size of derived keys and AES-256 keys (32 bytes / 256 bits).
	KeySize = 32

	// NonceSize is the size of the AES-GCM IV (12 bytes / 96 bits).
	NonceSize = 12

	// SaltSize is the size of per-secret salts (16 bytes).
	SaltSize = 16
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCryptoFailure wraps every failure of a cryptographic primitive.
	ErrCryptoFailure = errors.New("cryptographic operation failed")

	// ErrInvalidKeySize indicates a key that is not KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidNonce indicates an IV that is not NonceSize bytes.
	ErrInvalidNonce = errors.New("invalid nonce size")
)

func failure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCryptoFailure, op, err)
}

// =============================================================================
// PROVIDER
// =============================================================================

// Provider is the cryptographic primitives collaborator.
type Provider interface {
	// RandomBytes returns n bytes from a cryptographically secure source.
	RandomBytes(n int) ([]byte, error)

	// DeriveKey runs PBKDF2-HMAC-SHA256 over secret and salt and returns
	// outputBits/8 bytes.
	DeriveKey(secret, salt []byte, iterations, outputBits int) ([]byte, error)

	// Sign returns HMAC-SHA256(key, message).
	Sign(message, key []byte) ([]byte, error)

	// Seal encrypts plaintext with AES-256-GCM under a fresh random IV.
	Seal(plaintext, key []byte) (iv, ciphertext []byte, err error)

	// Open decrypts and authenticates ciphertext produced by Seal.
	Open(iv, ciphertext, key []byte) ([]byte, error)
}

// StdProvider implements Provider on crypto/rand, x/crypto/pbkdf2 and AES-GCM.
type StdProvider struct {
	rand io.Reader
}

// ProviderOption configures a StdProvider.
type ProviderOption func(*StdProvider)

// WithRandom replaces the entropy source. Used by tests that need to
// simulate an exhausted or failing source.
func WithRandom(r io.Reader) ProviderOption {
	return func(p *StdProvider) {
		if r != nil {
			p.rand = r
		}
	}
}

// NewProvider creates a StdProvider.
func NewProvider(opts ...ProviderOption) *StdProvider {
	p := &StdProvider{rand: rand.Reader}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultProvider = NewProvider()

// Default returns the process-wide standard provider.
func Default() Provider {
	return defaultProvider
}

// RandomBytes returns n cryptographically secure random bytes.
func (p *StdProvider) RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, failure("random", fmt.Errorf("invalid length %d", n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.rand, buf); err != nil {
		return nil, failure("random", err)
	}
	return buf, nil
}

// DeriveKey derives a key with PBKDF2-HMAC-SHA256.
func (p *StdProvider) DeriveKey(secret, salt []byte, iterations, outputBits int) ([]byte, error) {
	if iterations <= 0 {
		return nil, failure("pbkdf2", fmt.Errorf("invalid iteration count %d", iterations))
	}
	if outputBits <= 0 || outputBits%8 != 0 {
		return nil, failure("pbkdf2", fmt.Errorf("invalid output size %d bits", outputBits))
	}
	if len(salt) == 0 {
		return nil, failure("pbkdf2", errors.New("empty salt"))
	}
	return pbkdf2.Key(secret, salt, iterations, outputBits/8, sha256.New), nil
}

// Sign computes HMAC-SHA256 over message.
func (p *StdProvider) Sign(message, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, failure("hmac", errors.New("empty key"))
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// Seal encrypts plaintext with AES-256-GCM.
func (p *StdProvider) Seal(plaintext, key []byte) ([]byte, []byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv, err := p.RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}

	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts ciphertext with AES-256-GCM.
func (p *StdProvider) Open(iv, ciphertext, key []byte) ([]byte, error) {
	if len(iv) != NonceSize {
		return nil, failure("aes-gcm open", ErrInvalidNonce)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, failure("aes-gcm open", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, failure("aes-gcm", ErrInvalidKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, failure("aes", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, failure("gcm", err)
	}
	return aead, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Expand derives n bytes bound to label from secret using HKDF-SHA256.
func Expand(secret []byte, label string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, failure("hkdf", errors.New("empty secret"))
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(label)), out); err != nil {
		return nil, failure("hkdf", err)
	}
	return out, nil
}

// Equal reports whether a and b are equal in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
