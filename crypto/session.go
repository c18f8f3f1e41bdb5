package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a fresh X25519 keypair for one
// session handshake. Ephemeral keys are never persisted.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey parses a peer's raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs the Diffie-Hellman exchange.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("both keys are required")
	}

	sharedSecret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return sharedSecret, nil
}

// DeriveSessionKey hashes the shared secret together with both endpoint
// identifiers into a 32-byte AES key. The identifiers are ordered
// lexicographically so both sides derive the same key regardless of which
// one initiated the connection.
func DeriveSessionKey(sharedSecret []byte, localID, peerID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}

	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}

	h := sha256.New()
	h.Write(sharedSecret)
	h.Write([]byte(first))
	h.Write([]byte{0})
	h.Write([]byte(second))
	return h.Sum(nil), nil
}
