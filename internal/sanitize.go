package internal

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type SanitizationError struct {
	Message string
	Details string
}

func (e *SanitizationError) Error() string {
	return e.Message + ": " + e.Details
}

// SanitizeCode rejects source that should never reach the interpreter.
// A maxCodeLength of zero disables the length check.
func SanitizeCode(code string, maxCodeLength int) error {
	if maxCodeLength > 0 && len(code) > maxCodeLength {
		return &SanitizationError{
			Message: "Code length exceeds maximum limit",
			Details: fmt.Sprintf("Max length allowed is %d", maxCodeLength),
		}
	}

	if !utf8.ValidString(code) {
		return &SanitizationError{
			Message: "Invalid source encoding",
			Details: "Code must be valid UTF-8",
		}
	}

	if strings.ContainsRune(code, 0) {
		return &SanitizationError{
			Message: "Invalid source text",
			Details: "Code contains NUL bytes",
		}
	}

	return nil
}
