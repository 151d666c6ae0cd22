package classifier

// ShortMessageWords is the length at or below which a message counts as short.
const ShortMessageWords = 6

var greetings = []string{
	"bonjour", "bonsoir", "salut", "coucou", "hello", "hey", "yo", "re", "hi", "bjr", "slt",
	"bonjour coach", "salut coach", "coucou coach",
}

// IsCalmMoment gates re-surfacing a deferred onboarding question. It is never
// true while a safety or urgency signal is active.
func IsCalmMoment(text string, sig Signals) bool {
	if sig.Interrupting() {
		return false
	}
	s := Normalize(text)
	if IsGreeting(s) {
		return true
	}
	if sig.TopicSatisfied || sig.Engagement == EngagementLow {
		return true
	}
	return len(words(s)) <= ShortMessageWords
}

// IsGreeting reports whether normalized text is a bare greeting.
func IsGreeting(normalized string) bool {
	return matchesAny(normalized, greetings)
}
