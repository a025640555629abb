package gitutil

import "strings"

// authErrorMarkers are substrings that show up in gh/glab/git stderr when a
// command failed for lack of (or bad) credentials rather than a real
// merge/content conflict.
var authErrorMarkers = []string{
	"gh_token",
	"github_token",
	"authentication",
	"not logged into",
	"unauthorized",
	"forbidden",
	"permission denied",
}

// IsAuthError reports whether errMsg looks like a VCS credentials failure
// (expired token, not logged in, 401/403) as opposed to a content-level
// merge conflict. Callers use this to decide whether to escalate instead of
// queueing a retry that would hit the same wall.
func IsAuthError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, marker := range authErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsHexString reports whether s is a non-empty run of hex digits, used to
// sanity-check a captured commit SHA before it's persisted.
func IsHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		isDigit := c >= '0' && c <= '9'
		isLower := c >= 'a' && c <= 'f'
		isUpper := c >= 'A' && c <= 'F'
		if !isDigit && !isLower && !isUpper {
			return false
		}
	}
	return true
}
