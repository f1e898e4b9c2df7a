// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 16

// NewID returns a random identifier with a short type prefix, e.g.
// "cv_3f2a...". The prefix makes ids self-describing in logs and job rows.
func NewID(prefix string) string {
	buf := make([]byte, idBytes)
	_, _ = rand.Read(buf)
	suffix := hex.EncodeToString(buf)
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}
