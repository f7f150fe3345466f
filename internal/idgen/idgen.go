// Package idgen generates identifiers for records this service creates.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUID (version 7), so ids sort by creation.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by the 32 hex digits of a new id,
// e.g. "rdm_01927c4e8a7b7c3d9f1e2a3b4c5d6e7f".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}
