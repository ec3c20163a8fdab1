package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier such as "ws_3f2a...". An empty prefix
// yields the bare hex string.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
