package identity

import "strings"

// NormalizeUserID canonicalizes a QQ user id.
// QQ numbers are plain digit strings, but the registry does not enforce that:
// test fixtures and future platforms may use other id shapes.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeNickname trims and collapses inner whitespace runs to single spaces.
func NormalizeNickname(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
