package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxFieldLength bounds every string stored on a record, in bytes.
const MaxFieldLength = 64

func validateField(name, v string, required bool) error {
	if required && strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	if len(v) > MaxFieldLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArgument, name, MaxFieldLength)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid utf-8", ErrInvalidArgument, name)
	}
	return nil
}
