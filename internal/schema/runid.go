package schema

import (
	"github.com/google/uuid"
)

// NewRunID generates a globally unique, collision-resistant run identifier.
//
// Uses UUIDv7: a millisecond timestamp prefix plus a random suffix, so IDs
// generated under high concurrency sort roughly by creation time while the
// random suffix avoids collisions. Falls back to UUIDv4 if the system entropy
// source fails the v7 path.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
