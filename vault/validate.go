package vault

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

const maxIDLength = 256

func validateID(id, label string) error {
	if id == "" {
		return fmt.Errorf("%s must not be empty", label)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d", label, maxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return fmt.Errorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control character", label)
		}
	}
	return nil
}
