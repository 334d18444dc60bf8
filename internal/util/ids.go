package util

import (
	"strings"

	"github.com/google/uuid"
)

// SessionIDPrefix marks identifiers minted by NewSessionID.
const SessionIDPrefix = "s_"

// NewSessionID returns a fresh random session identifier in the format "s_{32 hex}".
func NewSessionID() string {
	return SessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsGeneratedSessionID reports whether id has the shape produced by NewSessionID.
func IsGeneratedSessionID(id string) bool {
	hex, ok := strings.CutPrefix(id, SessionIDPrefix)
	if !ok || len(hex) != 32 {
		return false
	}
	_, err := uuid.Parse(hex)
	return err == nil
}
