package classifier

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxDelayMinutes caps any parsed delay at one week.
const MaxDelayMinutes = 7 * 24 * 60

// eveningHour is the local hour "ce soir" resolves to.
const eveningHour = 20

var (
	// "2h30", "2 h 30", "21:30", with an optional lead word.
	reHourMinute  = regexp.MustCompile(`(?:\b(dans|a|vers|pour|d'ici)\s+)?\b(\d{1,2})(?:\s*(?:heures?|h)\s*(\d{2})?|:(\d{2}))\b`)
	reMinutes     = regexp.MustCompile(`\b(\d{1,3})\s*(?:minutes?|mins?|mn)\b`)
	reMinutesTail = regexp.MustCompile(`^\d{1,3}\s*(?:minutes?|mins?|mn)$`)
	reDays        = regexp.MustCompile(`\b(\d{1,2})\s*jours?\b`)
	reWordHours   = regexp.MustCompile(`\b(une|un|deux|trois|quatre|cinq|six)\s+heures?(\s+et\s+demie)?\b`)
	reWordMins    = regexp.MustCompile(`\b(cinq|dix|quinze|vingt|trente|quarante)\s+minutes?\b`)
	reHalfHour    = regexp.MustCompile(`\bdemi[- ]?heure\b`)
	reThreeQuart  = regexp.MustCompile(`\btrois quarts? d'heure\b`)
	reQuarter     = regexp.MustCompile(`\bquart d'heure\b`)
)

var wordNumbers = map[string]int{
	"un": 1, "une": 1, "deux": 2, "trois": 3, "quatre": 4, "cinq": 5, "six": 6,
	"dix": 10, "quinze": 15, "vingt": 20, "trente": 30, "quarante": 40,
}

// ParseDelay extracts a delay in minutes from normalized text. now must be in
// the account's local time zone; it anchors absolute times ("a 21h") and
// "ce soir". The result is within [1, MaxDelayMinutes].
//
// A duration or clock time counts only when it follows "dans", "d'ici" or, for
// clock times, "a", "vers" or "pour", or when it is the whole reply give or
// take one leading word. "3h de sport" and "j'ai dormi 8h" are not delays.
func ParseDelay(normalized string, now time.Time) (int, bool) {
	minutes, ok := parseDelay(normalized, now)
	if !ok || minutes < 1 || minutes > MaxDelayMinutes {
		return 0, false
	}
	return minutes, true
}

func parseDelay(s string, now time.Time) (int, bool) {
	if m := reHourMinute.FindStringSubmatchIndex(s); m != nil {
		if d, ok := hourMinute(s, m, now); ok {
			return d, true
		}
	}
	if m := reMinutes.FindStringSubmatchIndex(s); m != nil && anchored(s, m[0], m[1], nil) {
		n, _ := strconv.Atoi(s[m[2]:m[3]])
		return n, true
	}
	if m := reDays.FindStringSubmatchIndex(s); m != nil && anchored(s, m[0], m[1], nil) {
		n, _ := strconv.Atoi(s[m[2]:m[3]])
		return n * 24 * 60, true
	}
	if loc := reThreeQuart.FindStringIndex(s); loc != nil && anchored(s, loc[0], loc[1], nil) {
		return 45, true
	}
	if loc := reQuarter.FindStringIndex(s); loc != nil && anchored(s, loc[0], loc[1], nil) {
		return 15, true
	}
	if m := reWordHours.FindStringSubmatchIndex(s); m != nil && anchored(s, m[0], m[1], nil) {
		total := wordNumbers[s[m[2]:m[3]]] * 60
		if m[4] >= 0 {
			total += 30
		}
		return total, true
	}
	if loc := reHalfHour.FindStringIndex(s); loc != nil && anchored(s, loc[0], loc[1], nil) {
		return 30, true
	}
	if m := reWordMins.FindStringSubmatchIndex(s); m != nil && anchored(s, m[0], m[1], nil) {
		return wordNumbers[s[m[2]:m[3]]], true
	}
	if containsPhrase(s, "apres-demain") || containsPhrase(s, "apres demain") {
		return 2 * 24 * 60, true
	}
	if containsPhrase(s, "demain") {
		return 24 * 60, true
	}
	if containsPhrase(s, "ce soir") {
		until, _ := untilClock(now, eveningHour, 0)
		if now.Hour() >= eveningHour || until < 60 {
			return 60, true
		}
		return until, true
	}
	return 0, false
}

// hourMinute reads a reHourMinute match given as submatch indexes.
func hourMinute(s string, m []int, now time.Time) (int, bool) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return s[m[2*i]:m[2*i+1]]
	}
	prefix := group(1)
	hours, _ := strconv.Atoi(group(2))
	minText, colon := group(3), false
	if c := group(4); c != "" {
		minText, colon = c, true
	}
	if prefix == "" && !anchored(s, m[0], m[1], reMinutesTail) {
		return 0, false
	}
	mins := 0
	if minText != "" {
		mins, _ = strconv.Atoi(minText)
	}
	if mins > 59 {
		return 0, false
	}

	absolute := prefix == "a" || prefix == "vers" || prefix == "pour"
	if prefix == "" && (hours >= 7 || colon) {
		// "21h30" or "8:15" alone reads as a time of day, "2h30" as a duration
		absolute = true
	}
	if absolute {
		return untilClock(now, hours, mins)
	}
	total := hours*60 + mins
	if minText == "" {
		if mm := reMinutes.FindStringSubmatch(s[m[1]:]); mm != nil {
			extra, _ := strconv.Atoi(mm[1])
			total += extra
		}
	}
	return total, true
}

// anchored reports whether the time expression s[start:end] is a delay rather
// than a quantity mentioned in passing. An expression after "dans" or "d'ici"
// (articles skipped) always counts; otherwise at most one word may precede it
// and nothing may follow, except text matching tail.
func anchored(s string, start, end int, tail *regexp.Regexp) bool {
	before := words(s[:start])
	for n := len(before); n > 0 && (before[n-1] == "un" || before[n-1] == "une"); n = len(before) {
		before = before[:n-1]
	}
	if n := len(before); n > 0 {
		if before[n-1] == "dans" || (n > 1 && before[n-2] == "d" && before[n-1] == "ici") {
			return true
		}
	}
	if len(before) > 1 {
		return false
	}
	after := strings.TrimSpace(s[end:])
	return after == "" || (tail != nil && tail.MatchString(after))
}

// untilClock returns the minutes from now to the next occurrence of hh:mm.
func untilClock(now time.Time, hh, mm int) (int, bool) {
	if hh > 23 || mm > 59 {
		return 0, false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}
	return int(math.Ceil(target.Sub(now).Minutes())), true
}
