package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cofferhq/coffer/pkg/errdefs"
)

// KeySize is the length of all symmetric keys in bytes.
const KeySize = chacha20poly1305.KeySize

// Overhead is the number of bytes Seal adds: nonce plus tag.
const Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// Key performs authenticated encryption of repository payloads. The
// same construction covers the data encryption key itself (sealed under
// the password-derived master key) and every chunk, index object and
// snapshot record (sealed under the DEK).
type Key struct {
	raw [KeySize]byte
}

// NewKey wraps an existing 32-byte key
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(raw))
	}
	k := &Key{}
	copy(k.raw[:], raw)
	return k, nil
}

// NewRandomKey generates a fresh uniformly random key
func NewRandomKey() (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKey(raw)
}

// Bytes returns the raw key material. Callers must not retain it past
// sealing it into a key file.
func (k *Key) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.raw[:])
	return out
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
// A fresh random 96-bit nonce is drawn per call.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts an envelope produced by Seal. Tag
// verification is constant-time inside the AEAD. Failures are Corrupt
// errors: an envelope shorter than Overhead is reported as too short,
// and every authentication failure carries the same message.
func (k *Key) Open(envelope []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(envelope) < aead.NonceSize()+aead.Overhead() {
		return nil, errdefs.Newf(errdefs.KindCorrupt, "", "ciphertext too short: %d bytes", len(envelope))
	}

	nonce, ciphertext := envelope[:aead.NonceSize()], envelope[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, "", fmt.Errorf("authentication failed"))
	}
	return plaintext, nil
}
