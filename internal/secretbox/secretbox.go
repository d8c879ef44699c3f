// Package secretbox encrypts integration configs and API keys at rest with
// AES-256-GCM. Sealed values are base64(iv | tag | ciphertext), so blobs
// written by the dashboard and by this service are interchangeable.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	ivSize  = 12
	tagSize = 16
)

var (
	// ErrInvalidKey is returned when the key is not 64 hex characters.
	ErrInvalidKey = errors.New("encryption key must be 64 hex characters (32 bytes)")
	// ErrMalformed is returned for sealed values that cannot be opened.
	ErrMalformed = errors.New("malformed sealed value")
)

// Box seals and opens values with one key.
type Box struct {
	aead cipher.AEAD
}

// New parses a hex-encoded 32-byte key.
func New(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random IV.
func (b *Box) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	// GCM appends the tag after the ciphertext; the stored layout puts it first.
	sealed := b.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	iv, tag, ct := raw[:ivSize], raw[ivSize:ivSize+tagSize], raw[ivSize+tagSize:]

	buf := make([]byte, 0, len(ct)+tagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)
	plain, err := b.aead.Open(nil, iv, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plain, nil
}

// SealString is Seal for text values.
func (b *Box) SealString(s string) (string, error) { return b.Seal([]byte(s)) }

// OpenString is Open for text values.
func (b *Box) OpenString(sealed string) (string, error) {
	p, err := b.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
