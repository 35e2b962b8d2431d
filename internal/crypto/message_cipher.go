package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// MessageCipher encrypts chat message text at rest with AES-256-GCM. The
// key is derived from the configured secret, so rotating the secret makes
// old ciphertexts unreadable (they decrypt to empty strings, not errors).
type MessageCipher struct {
	aead cipher.AEAD
}

// NewMessageCipher derives a 256-bit key from secret via SHA-256.
func NewMessageCipher(secret string) (*MessageCipher, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init message cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init message cipher: %w", err)
	}
	return &MessageCipher{aead: aead}, nil
}

// Encrypt returns nonce||ciphertext for plaintext. Empty plaintext yields
// nil so image-only messages store no ciphertext at all.
func (c *MessageCipher) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt reverses Encrypt. Garbage or wrong-key input yields an empty
// string rather than an error: a single corrupt message must not break
// listing a whole thread.
func (c *MessageCipher) Decrypt(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return ""
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}
