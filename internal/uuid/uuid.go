// Package uuid provides UUID v4 generation plus temporary-identifier helpers.
//
// Entities created while offline receive a temporary identifier of the form
// "temp-<uuid>"; the sync engine later maps it to the permanent server id.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks a locally generated placeholder identifier.
const TempPrefix = "temp-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTempID generates a new temporary identifier for an entity created
// while offline.
func NewTempID() string {
	return TempPrefix + uuid.New().String()
}

// IsTempID reports whether the given identifier is a temporary one.
func IsTempID(s string) bool {
	return strings.HasPrefix(s, TempPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
