// Package reason cleans free-form failure text before it is persisted.
// Postgres TEXT columns reject invalid UTF-8 and NUL bytes, and failure
// causes often carry raw subprocess output.
package reason

import (
	"strings"
	"unicode/utf8"
)

// Clean returns s as valid UTF-8 with NUL bytes removed, truncated to at most
// limit bytes without splitting a rune. A limit <= 0 disables truncation.
func Clean(s string, limit int) string {
	s = strings.ToValidUTF8(s, "�")
	s = strings.ReplaceAll(s, "\x00", "")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
