package util

import (
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFC form of s so that visually identical user
// identifiers map to the same session key.
func Normalize(s string) string {
	return norm.NFC.String(s)
}
