// Package classifier turns free-form chat text into a small closed set of intents.
//
// Every classifier is a chain of tiers tried in order. The first tier is a pure
// function over the normalized text (button labels, fixed phrases, delay
// patterns) and never calls out; later tiers may call the generation backend.
// The first conclusive tier wins and ambiguous input resolves to a documented
// safe default.
package classifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases text, folds accents, unifies apostrophes and dashes,
// strips emoji and punctuation at both ends, and collapses whitespace.
// "Carrément !" becomes "carrement".
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("’", "'", "‘", "'", "`", "'", "–", "-", "—", "-").Replace(folded)

	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '-' || r == '/' || r == ':':
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			b.WriteRune(' ')
		default:
			// emoji and symbols
			b.WriteRune(' ')
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	return strings.Trim(out, "'-/: ")
}

// words splits normalized text on spaces and apostrophes.
func words(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == '\''
	})
}

// containsPhrase reports whether phrase occurs in normalized on word boundaries.
func containsPhrase(normalized, phrase string) bool {
	if phrase == "" {
		return false
	}
	padded := " " + strings.ReplaceAll(normalized, "'", "' ") + " "
	p := " " + strings.ReplaceAll(phrase, "'", "' ") + " "
	return strings.Contains(padded, p)
}

func containsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(normalized, p) {
			return true
		}
	}
	return false
}

func matchesAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if normalized == p {
			return true
		}
	}
	return false
}
