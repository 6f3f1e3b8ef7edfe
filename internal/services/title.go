package services

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultTitleMaxRunes bounds titles derived from a first question.
	DefaultTitleMaxRunes = 40
	// MaxTitleRunes bounds any stored title.
	MaxTitleRunes = 255

	ellipsis = "..."
)

// normalizeTitle applies NFC, trims, and collapses inner whitespace runs to a
// single space. It cleans caller-supplied titles (hints and renames).
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// clipRunes cuts s to at most n runes.
func clipRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// DeriveTitle turns a first question into a conversation title: the
// question with surrounding whitespace trimmed, cut to maxRunes with "..."
// appended when it was longer. Inner text is kept as typed.
func DeriveTitle(prompt string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultTitleMaxRunes
	}
	t := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(t) <= maxRunes {
		return t
	}
	return clipRunes(t, maxRunes) + ellipsis
}
