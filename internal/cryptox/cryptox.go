// Package cryptox resolves per-user note keys and opens at-rest note ciphertext.
//
// Ciphertext is base64(nonce || AES-256-GCM sealed note). Keys are derived from
// a single master key with HKDF-SHA256, salted by the user id.
package cryptox

import (
	"context"
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
)

const (
	KeySize     = 32
	defaultInfo = "quotesync-note-encryption"
)

var (
	ErrInvalidKey         = errors.New("cryptox: invalid key")
	ErrCiphertextTooShort = errors.New("cryptox: ciphertext too short")
)

type HKDFKeyResolver struct {
	masterKey []byte
	info      []byte
}

// NewHKDFKeyResolver takes a 32-byte master key encoded as 64 hex characters.
func NewHKDFKeyResolver(masterKeyHex string) (*HKDFKeyResolver, error) {
	masterKeyHex = strings.TrimSpace(masterKeyHex)
	if masterKeyHex == "" {
		return nil, fmt.Errorf("%w: master key is required", ErrInvalidKey)
	}
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: master key must be hex: %v", ErrInvalidKey, err)
	}
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(masterKey))
	}
	return &HKDFKeyResolver{masterKey: masterKey, info: []byte(defaultInfo)}, nil
}

func (r *HKDFKeyResolver) ResolveKey(ctx context.Context, userID string) ([]byte, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required for key derivation", ErrInvalidKey)
	}
	reader := hkdf.New(sha256.New, r.masterKey, []byte(userID), r.info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive user key: %w", err)
	}
	return key, nil
}

// AESGCM seals and opens notes with a caller-supplied key.
type AESGCM struct{}

func (AESGCM) Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (AESGCM) Decrypt(ciphertext string, key []byte) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
