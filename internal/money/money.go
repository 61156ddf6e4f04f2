package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// All monetary values in the ledger are base-10 decimal strings. Every
// arithmetic operation and comparison routes through this package; callers
// never touch floating point or raw decimal.Decimal values.

// nanSentinels are the corrupt values upstream stores have been observed to
// persist in balance columns. They are normalized to zero instead of being
// propagated.
var nanSentinels = map[string]bool{
	"":          true,
	"nan":       true,
	"null":      true,
	"undefined": true,
	"infinity":  true,
	"-infinity": true,
	"inf":       true,
	"-inf":      true,
}

// Parse converts a decimal string to a Decimal, sanitizing NaN-like
// sentinels and unparseable input to zero. This is the single normalization
// boundary for dirty stored values.
func Parse(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if nanSentinels[strings.ToLower(s)] {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Normalize returns the canonical string form of s, with NaN-like and
// unparseable input collapsed to "0".
func Normalize(s string) string {
	return Parse(s).String()
}

// IsCorrupt reports whether s is not already in canonical decimal form.
// Used by read paths to decide whether a stored value needs an integrity
// correction.
func IsCorrupt(s string) bool {
	return Normalize(s) != s
}

// IsPositive reports whether s is a well-formed decimal strictly greater
// than zero. Sanitized garbage is zero and therefore not positive.
func IsPositive(s string) bool {
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return false
	}
	return d.IsPositive()
}

// Add returns a + b.
func Add(a, b string) string {
	return Parse(a).Add(Parse(b)).String()
}

// Sub returns a - b.
func Sub(a, b string) string {
	return Parse(a).Sub(Parse(b)).String()
}

// Mul returns a * b.
func Mul(a, b string) string {
	return Parse(a).Mul(Parse(b)).String()
}

// DivFloor returns a / b floored to an integer. Division by zero yields "0"
// rather than panicking; the zero divisor is always a sanitized corrupt
// value by the time it reaches arithmetic.
func DivFloor(a, b string) string {
	divisor := Parse(b)
	if divisor.IsZero() {
		return "0"
	}
	return Parse(a).Div(divisor).Floor().String()
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func Cmp(a, b string) int {
	return Parse(a).Cmp(Parse(b))
}

// Neg returns -a.
func Neg(a string) string {
	return Parse(a).Neg().String()
}

// Zero is the canonical zero amount.
const Zero = "0"
