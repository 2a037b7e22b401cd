package util

import "strings"

// EndsWithAny reports whether s ends with at least one of the given
// suffixes. Empty suffixes are ignored so that a template with no configured
// end marker never matches accidentally.
func EndsWithAny(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if suffix == "" {
			continue
		}
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// EnsureSuffix appends suffix to s unless s already ends with it.
func EnsureSuffix(s, suffix string) string {
	if EndsWithAny(s, suffix) {
		return s
	}
	return s + suffix
}
