// Package sha256 digests canonical repository records into content hashes.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements crawler.Hasher. Digests are lowercase hex, the form
// stored in the repositories content_hash column.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests a canonical record encoding. An empty encoding is rejected
// since no record encodes to nothing.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("hash empty record encoding")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
