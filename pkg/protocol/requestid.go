package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// NewRequestID returns a random 32-character lowercase hex id.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidRequestID reports whether s has the shape produced by NewRequestID.
func ValidRequestID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9') && !('a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
