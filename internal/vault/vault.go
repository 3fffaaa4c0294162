// Package vault seals sensitive cached fields with a key bound to the
// authenticated session.
package vault

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

	"github.com/alexanderramin/dayplan/internal/domain"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the shortest accepted session secret.
const MinSecretLen = 16

var ErrShortSecret = errors.New("session secret too short")

// Session identifies the authenticated device session whose secret keys the
// cache. A new session yields a new key.
type Session struct {
	TenantID string
	DeviceID string
	Secret   []byte
}

// Sealer encrypts and decrypts cached payloads with AES-256-GCM. Each
// ciphertext is bound to its entity kind and id.
type Sealer struct {
	aead  cipher.AEAD
	keyID string
}

func NewSealer(s Session) (*Sealer, error) {
	if len(s.Secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortSecret, MinSecretLen, len(s.Secret))
	}
	info := []byte("dayplan-cache|" + s.TenantID + "|" + s.DeviceID)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.Secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving cache key: %w", err)
	}
	fingerprint := make([]byte, 8)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.Secret, nil, append(info, "|key-id"...)), fingerprint); err != nil {
		return nil, fmt.Errorf("deriving key id: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Sealer{aead: aead, keyID: hex.EncodeToString(fingerprint)}, nil
}

// KeyID fingerprints the session key. Records sealed under another key
// cannot be opened by this sealer.
func (s *Sealer) KeyID() string {
	return s.keyID
}

// Seal encrypts plaintext for the entity. The nonce is prepended.
func (s *Sealer) Seal(kind, id string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &domain.EncryptionError{EntityID: id, Op: "seal", Err: err}
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad(kind, id)), nil
}

// Open decrypts a payload produced by Seal for the same entity.
func (s *Sealer) Open(kind, id string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, &domain.EncryptionError{EntityID: id, Op: "open", Err: errors.New("ciphertext truncated")}
	}
	out, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad(kind, id))
	if err != nil {
		return nil, &domain.EncryptionError{EntityID: id, Op: "open", Err: err}
	}
	return out, nil
}

// DecodeSecret accepts a base64 or hex encoded session secret.
func DecodeSecret(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("session secret is neither base64 nor hex")
}

func aad(kind, id string) []byte {
	return []byte(kind + ":" + id)
}
