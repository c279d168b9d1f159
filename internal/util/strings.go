package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s. Used to log a prefix of a
// credential instead of the credential. A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so "https://h/api/" and "https://h/api"
// name the same resource.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScopes parses a space-delimited scope parameter, dropping empty
// entries and duplicates while keeping the first-seen order.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes is the inverse of SplitScopes.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsAll reports whether every element of subset is in set.
func ContainsAll(set, subset []string) bool {
	for _, s := range subset {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}
