// Package seal encrypts short values (cookies, private keys) with
// AES-256-GCM. Sealed values are base64url (no padding) of nonce||ciphertext.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Purposes passed to [Derive].
const (
	PurposeCookies         = "edgeproxy cookies v1"
	PurposeCertificateKeys = "edgeproxy certificate keys v1"
)

var errKeySize = fmt.Errorf("key must be %d raw bytes or %d hex characters", KeySize, KeySize*2)

// Box seals and opens values with one AES-256-GCM key. It is safe for
// concurrent use.
type Box struct {
	aead cipher.AEAD
}

// ParseKey accepts a 64-character hex string or a 32-byte raw string.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == KeySize*2 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, errKeySize
}

// New returns a box for a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, errKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Derive returns a box keyed by HKDF-SHA256(master, purpose), so one
// configured secret can protect unrelated data with independent keys.
func Derive(master []byte, purpose string) (*Box, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master key")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext under a fresh random nonce.
func (b *Box) Seal(plaintext []byte) (string, error) {
	return b.SealAAD(plaintext, nil)
}

// SealAAD is Seal with additional authenticated data. The value only opens
// through OpenAAD with the same aad, which binds it to one context (a cookie
// name, a table column).
func (b *Box) SealAAD(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, plaintext, aad)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// SealString is Seal for string values.
func (b *Box) SealString(plaintext string) (string, error) {
	return b.Seal([]byte(plaintext))
}

// Open decrypts a value produced by Seal. Any malformed, truncated or
// tampered input returns domain.ErrDecrypt.
func (b *Box) Open(sealed string) ([]byte, error) {
	return b.OpenAAD(sealed, nil)
}

// OpenAAD decrypts a value produced by SealAAD with the same aad.
func (b *Box) OpenAAD(sealed string, aad []byte) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, domain.ErrDecrypt
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns+b.aead.Overhead() {
		return nil, domain.ErrDecrypt
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], aad)
	if err != nil {
		return nil, domain.ErrDecrypt
	}
	return plain, nil
}

// OpenString is Open for string values; ok is false on any failure.
func (b *Box) OpenString(sealed string) (string, bool) {
	plain, err := b.Open(sealed)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
