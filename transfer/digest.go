package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Digest accumulates a streaming SHA-256 over chunk bytes.
//
// The engine feeds it chunk payloads in the order they are accepted, so the
// final sum over an in-order upload equals the digest of the whole file.
type Digest struct {
	h hash.Hash
}

// NewDigest returns an empty streaming digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds bytes into the digest. It never fails.
func (d *Digest) Write(p []byte) {
	_, _ = d.h.Write(p)
}

// Sum returns the hex-encoded digest of all bytes written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// SumBytes returns the hex-encoded SHA-256 of a single byte slice.
func SumBytes(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}
