package testimony

import (
	"regexp"
	"strings"
)

// mentionPattern accepts `@handle` tokens and bare numeric platform ids.
var mentionPattern = regexp.MustCompile(`^(@[A-Za-z0-9_]{1,32}|[0-9]{1,20})$`)

// IsUserRef reports whether token looks like a user reference: an @-handle or
// a numeric platform id.
func IsUserRef(token string) bool {
	return mentionPattern.MatchString(token)
}

// NormalizeUserRef canonicalizes a user reference for comparison: the leading
// @ is stripped and handles are lowercased. Numeric ids pass through.
func NormalizeUserRef(token string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(token), "@"))
}

// UserRefMatchesActor reports whether a normalized user reference resolves to
// the given actor by id or by handle.
func UserRefMatchesActor(ref string, actorID string, actorUsername string) bool {
	normalized := NormalizeUserRef(ref)
	if normalized == "" {
		return false
	}

	return normalized == strings.ToLower(actorID) || normalized == strings.ToLower(actorUsername)
}
