// Package logsanitize prepares untrusted values and credentials for logging.
package logsanitize

import (
	"strings"
	"unicode"
)

// Sanitize replaces control characters other than tab with '_' so a value
// typed at the login prompt cannot forge log lines (CWE-117). DEL and the C1
// range count as control characters.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r != '\t' && unicode.IsControl(r) {
			return '_'
		}
		return r
	}, s)
}

// Mask hides all but the last four characters of a credential such as a
// refill token or transaction id. Short values are masked entirely.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + Sanitize(s[len(s)-4:])
}
