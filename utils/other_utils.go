// Package utils holds small cross-cutting helpers shared by package
// provider and package thp, carried over from rafalfr-dnsproxy's own utils
// package.
package utils

import (
	"strings"
	"unicode/utf8"
)

// ShortText truncates s to at most maxLen bytes without splitting a UTF-8
// rune, used to keep the sniffed target bounded in package thp's log lines.
func ShortText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	if utf8.ValidString(s[:maxLen]) {
		return s[:maxLen]
	}

	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return strings.ToValidUTF8(s[:cut], "")
}
