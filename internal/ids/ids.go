// Package ids generates opaque random identifiers for traces and runs.
package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex identifier.
func New() string {
	return random(16)
}

// NewShort returns a 16-character hex identifier, used where the id ends
// up in filenames and log lines.
func NewShort() string {
	return random(8)
}

func random(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
