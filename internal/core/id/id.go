// Package id provides time-ordered UUID generation for messages and events.
package id

import (
	"github.com/google/uuid"
)

// ID is a type alias for UUID.
type ID = uuid.UUID

// New generates a UUIDv7. Time-ordered IDs sort naturally by creation time,
// which keeps outbox draining and event ordering cheap.
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to V4.
		return uuid.New()
	}
	return id
}

// Parse converts a string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// MustParse converts a string to ID, panicking on error. For tests and
// constants only.
func MustParse(s string) ID {
	return uuid.MustParse(s)
}

// Nil returns the zero-value UUID.
func Nil() ID {
	return uuid.Nil
}

// IsNil checks whether id is the zero value.
func IsNil(id ID) bool {
	return id == uuid.Nil
}
