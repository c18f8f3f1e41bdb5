package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	identityPrivatePEMType = "ED25519 PRIVATE KEY"
	identityPublicPEMType  = "ED25519 PUBLIC KEY"

	// fingerprintSize is the number of SHA-256 bytes kept in a fingerprint.
	fingerprintSize = 16
)

// Identity is a server's long-lived Ed25519 signing identity. The private key
// never leaves the server; clients receive the public key inside the signed
// hello and can pin it across sessions by fingerprint.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity loads the identity stored at privatePath, generating
// and persisting a fresh one on first run. The public PEM at publicPath is
// advisory; it is rewritten whenever it is missing or does not match the
// private key.
func LoadOrCreateIdentity(privatePath, publicPath string) (*Identity, error) {
	keyBytes, err := readKeyPEM(privatePath, identityPrivatePEMType, ed25519.PrivateKeySize)
	switch {
	case err == nil:
		id := &Identity{PrivateKey: ed25519.PrivateKey(keyBytes)}
		id.PublicKey = id.PrivateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readKeyPEM(publicPath, identityPublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, id.PublicKey) {
			if err := writeKeyPEM(publicPath, identityPublicPEMType, id.PublicKey, 0o644); err != nil {
				return nil, err
			}
		}
		return id, nil

	case errors.Is(err, fs.ErrNotExist):
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
		id := &Identity{PrivateKey: private, PublicKey: public}
		if err := writeKeyPEM(privatePath, identityPrivatePEMType, private, 0o600); err != nil {
			return nil, err
		}
		if err := writeKeyPEM(publicPath, identityPublicPEMType, public, 0o644); err != nil {
			return nil, err
		}
		return id, nil

	default:
		return nil, err
	}
}

func readKeyPEM(path, pemType string, keySize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("%s: not a %s PEM file", path, pemType)
	}
	if len(block.Bytes) != keySize {
		return nil, fmt.Errorf("%s: key is %d bytes, want %d", path, len(block.Bytes), keySize)
	}
	return block.Bytes, nil
}

func writeKeyPEM(path, pemType string, key []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: key})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}

// Sign signs data with the identity's private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("identity has no private key")
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to sign")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// Verify reports whether signature is a valid Ed25519 signature over data.
// Malformed keys and signatures verify as false rather than erroring.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// Fingerprint returns the identity's key fingerprint.
func (id *Identity) Fingerprint() string {
	return PublicKeyFingerprint(id.PublicKey)
}

// PublicKeyFingerprint is the truncated SHA-256 of a public key, hex encoded.
// Clients use it to pin a server identity seen in an earlier session.
func PublicKeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:fingerprintSize])
}

// FormatFingerprint renders a fingerprint for display: uppercase hex in
// groups of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	groups := make([]string, 0, (len(clean)+3)/4)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}
