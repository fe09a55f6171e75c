package platform

import (
	"github.com/google/uuid"
)

// NewID returns a random identifier for a new backup run.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s has the shape of an identifier returned by NewID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}
