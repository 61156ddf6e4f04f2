package asset

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
	}{
		{"GOLD-1a2b3c", true},
		{"EGLD-abcdef", true},
		{"MEX2-000000", true},
		{"ABCDEFGHIJ-123abc", true}, // ticker at max length 10
		{"gold-1a2b3c", false},      // lowercase ticker
		{"GOLD", false},             // bare ticker
		{"GO-1a2b3c", false},        // ticker too short
		{"ABCDEFGHIJK-123abc", false}, // ticker too long
		{"GOLD-1A2B3C", false},      // uppercase hex suffix
		{"GOLD-1a2b3", false},       // suffix too short
		{"GOLD-1a2b3cd", false},     // suffix too long
		{"1OLD-1a2b3c", false},      // ticker must start with a letter
		{"", false},
		{"GOLD-1a2b3c-extra", false},
	}

	for _, c := range cases {
		err := Validate(c.in)
		if c.valid && err != nil {
			t.Errorf("Validate(%q) = %v, want nil", c.in, err)
		}
		if !c.valid {
			if err == nil {
				t.Errorf("Validate(%q) = nil, want error", c.in)
			} else if !errors.Is(err, ErrInvalidAssetIdentifier) {
				t.Errorf("Validate(%q) = %v, want ErrInvalidAssetIdentifier", c.in, err)
			}
		}
	}
}

func TestTicker(t *testing.T) {
	if got := Ticker("GOLD-1a2b3c"); got != "GOLD" {
		t.Errorf("Ticker = %q, want GOLD", got)
	}
}
