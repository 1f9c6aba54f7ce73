// Package idgen provides identifier generation for escrow records, events and keys.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless UUID (e.g. "ptx_", "evt_", "wh_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TimeOrdered returns a UUIDv7 string. IDs sort by creation time, which keeps
// b-tree inserts on the escrow table append-only.
func TimeOrdered(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return WithPrefix(prefix)
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
