// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import (
	"strings"
	"unicode/utf8"
)

// MaxLen is the longest value, in bytes, Sanitize lets through. User agents
// and query strings are attacker-controlled and can be arbitrarily long.
const MaxLen = 256

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117), and truncates them to MaxLen.
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return Truncate(strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s), MaxLen)
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence,
// marking the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
