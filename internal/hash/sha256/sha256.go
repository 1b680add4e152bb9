// Package sha256 digests stage results for content-addressed archive paths.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/site-audit/internal/audit"
)

var _ audit.Hasher = Hasher{}

// Hasher returns hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash never fails; the error satisfies audit.Hasher.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
