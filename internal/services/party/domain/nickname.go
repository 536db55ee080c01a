package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// NormalizeNickname trims, folds full-width forms, composes to NFC and
// collapses runs of whitespace.
func NormalizeNickname(nickname string) string {
	folded := norm.NFC.String(width.Fold.String(nickname))
	return strings.Join(strings.FieldsFunc(folded, unicode.IsSpace), " ")
}

// DefaultNickname is used when a member joins without a name.
func DefaultNickname(userID string) string {
	prefix := []rune(userID)
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return "Player " + string(prefix)
}
