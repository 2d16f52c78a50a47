// Package util contains small helpers shared across packages.
package util

// SafeTruncate returns at most maxLen leading characters of s. Used to log a
// recognizable prefix of a secret without exposing the whole value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
