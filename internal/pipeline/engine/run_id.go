package engine

import "github.com/oklog/ulid/v2"

// NewRunID generates a globally unique, filesystem-safe run identifier.
func NewRunID() (string, error) {
	return ulid.Make().String(), nil
}
