// Package uuid wraps google/uuid with the string forms used across ironsign.
package uuid

import (
	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.New().String()
}

// NewOrdered returns a time-ordered (version 7) UUID string. Lexical order
// of the strings follows creation order, which the journal relies on for
// listing.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
