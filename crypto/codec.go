package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const aes256KeySize = 32

// Codec seals and opens session payloads with AES-256-GCM. The sealed
// layout is the 12-byte nonce followed by the ciphertext, so a payload is
// self-contained on the wire.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a 32-byte session key.
func NewCodec(sessionKey []byte) (*Codec, error) {
	if len(sessionKey) != aes256KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), aes256KeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload produced by Seal.
func (c *Codec) Open(payload []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(payload))
	}

	plaintext, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return plaintext, nil
}
