package codec

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

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySalt       = "yandexgpt_bot_salt"
	keyIterations = 100000
	keyBytes      = 32
)

// ErrDecrypt is returned when a ciphertext cannot be opened with the configured key.
var ErrDecrypt = errors.New("codec: cannot decrypt with configured key")

// Codec reversibly transforms sensitive text for storage at rest.
type Codec interface {
	Encode(plaintext string) (string, error)
	Decode(ciphertext string) (string, error)
}

// AESCodec seals text with AES-256-GCM under a key derived from a passphrase.
type AESCodec struct {
	gcm cipher.AEAD
}

// New derives the data key from passphrase with PBKDF2-SHA256.
func New(passphrase string) (*AESCodec, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("codec: empty encryption key")
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(keySalt), keyIterations, keyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESCodec{gcm: gcm}, nil
}

// Encode returns base64url(nonce || sealed).
func (c *AESCodec) Encode(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (c *AESCodec) Decode(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := c.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// Digest is the hex SHA-256 of text, stored next to ciphertext for verification.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
