package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRequestID returns a short random identifier for request tracing.
func NewRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
