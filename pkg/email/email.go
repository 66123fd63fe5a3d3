// Package email derives display names from email addresses for records that
// carry no explicit profile.
package email

import (
	"strings"
	"unicode"
)

// isLocalSeparator reports whether r splits a local part into name segments.
func isLocalSeparator(r rune) bool {
	return r == '.' || r == '_' || r == '-' || r == '+'
}

// DeriveNameFromEmail guesses a (first, last) name pair from the local part
// of an address: "jane.doe@x" becomes ("Jane", "Doe"). Unsplittable or empty
// input falls back to "User".
func DeriveNameFromEmail(email string) (string, string) {
	localPart := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		localPart = email[:at]
	}

	parts := strings.FieldsFunc(localPart, isLocalSeparator)
	if len(parts) == 0 {
		return "User", "User"
	}

	first := capitalize(parts[0])
	last := "User"
	if len(parts) > 1 {
		last = capitalize(parts[len(parts)-1])
	}
	return first, last
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
