package asset

import (
	"errors"
	"regexp"
	"strings"
)

// Identifiers are always ticker plus a short hexadecimal suffix, e.g.
// "USDC-abc123". A bare ticker is rejected: accepting it would let two
// different tokens with the same ticker collide into one balance row.
var identifierPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{2,9}-[a-f0-9]{6}$`)

// ErrInvalidAssetIdentifier is returned for any asset string that does not
// match the canonical ticker-plus-suffix format.
var ErrInvalidAssetIdentifier = errors.New("invalid asset identifier")

// Validate checks that id is a canonical asset identifier.
func Validate(id string) error {
	if !identifierPattern.MatchString(id) {
		return ErrInvalidAssetIdentifier
	}
	return nil
}

// Ticker returns the ticker portion of a canonical identifier, or the input
// unchanged if it has no suffix separator.
func Ticker(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
