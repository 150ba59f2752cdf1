// Package utils holds small string helpers shared by log fields, error
// records and CLI output.
package utils

const ellipsis = "..."

// Truncate shortens s to at most maxLen runes, ending in "..." when cut.
// maxLen <= 0 yields "".
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= len(ellipsis) {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}
