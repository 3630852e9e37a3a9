package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier formatted prefix_hex32, e.g.
// rev_3f2a... for reviews or prv_... for prevention requests. An empty
// prefix yields bare hex, used for folio suffixes and refresh-token
// secrets.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
