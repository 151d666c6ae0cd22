package identity

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
)

var (
	optOutKeywords = map[string]bool{
		"stop": true, "stopall": true, "unsubscribe": true, "cancel": true, "end": true, "quit": true,
		"arret": true, "arrete": true, "desabonner": true, "desinscription": true,
	}
	optInKeywords = map[string]bool{
		"start": true, "unstop": true, "reprendre": true,
	}
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// IsOptOut reports whether text is a bare STOP-family keyword.
func IsOptOut(text string) bool {
	return optOutKeywords[classifier.Normalize(text)]
}

// IsOptIn reports whether text is a bare START-family keyword.
func IsOptIn(text string) bool {
	return optInKeywords[classifier.Normalize(text)]
}

// ExtractEmail returns the first email address in text, lowercased.
func ExtractEmail(text string) (string, bool) {
	m := reEmail.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToLower(strings.Trim(m, ".")), true
}
