// Package utils holds small helpers shared by the transport layer that carry
// no conversation semantics of their own.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s as a base-10 int, returning def when s is blank or
// not a number. Surrounding whitespace is ignored.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// PageWindow turns raw page and page-size query values into a usable
// 1-based page and a size in [1, maxSize]. Missing or malformed values fall
// back to page 1 and defSize.
func PageWindow(pageRaw, sizeRaw string, defSize, maxSize int) (page, size int) {
	page = max(AtoiDefault(pageRaw, 1), 1)
	size = min(max(AtoiDefault(sizeRaw, defSize), 1), maxSize)
	return page, size
}
