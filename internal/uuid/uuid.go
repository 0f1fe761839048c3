// Package uuid generates and validates entity identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// New generates a new random UUID string.
func New() string {
	return uuid.New().String()
}

// NewID generates a new random entity identifier.
func NewID() models.UUID {
	return models.UUID(uuid.New().String())
}

// IsValid reports whether s is a UUID in canonical 36-character form.
// Action keywords and other free text never pass.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id != uuid.Nil
}

// Validate returns an error if s is not a canonical UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}

// ValidateID returns an error if id is not a canonical UUID.
func ValidateID(id models.UUID) error {
	return Validate(string(id))
}
