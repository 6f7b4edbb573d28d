package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Spam check labels, reported as Result.Term.
const (
	TermURL       = "url"
	TermPhone     = "phone"
	TermCharFlood = "char_flood"
	TermWordFlood = "word_flood"
)

const (
	charFloodRun   = 5 // identical characters in a row
	wordFloodRun   = 3 // identical words in a row
	phoneMinDigits = 9
)

// linkPattern matches scheme or www links, and bare domains followed by a
// path. A bare "v2.0" or "3.14" has no path and does not match.
var linkPattern = regexp.MustCompile(`(?i)(?:https?://|www\.)\S+|[\w-]+\.(?:com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*`)

// spamRules run in order; the first hit wins.
var spamRules = []struct {
	term string
	hit  func(string) bool
}{
	{TermURL, linkPattern.MatchString},
	{TermPhone, sharesPhoneNumber},
	{TermCharFlood, func(s string) bool { return longestRun([]rune(s), sameRune) >= charFloodRun }},
	{TermWordFlood, func(s string) bool { return longestRun(strings.Fields(s), strings.EqualFold) >= wordFloodRun }},
}

func sameRune(a, b rune) bool { return a == b }

// longestRun returns the length of the longest stretch of consecutive equal
// items.
func longestRun[T any](items []T, eq func(a, b T) bool) int {
	best, run := 0, 0
	for i := range items {
		if i > 0 && eq(items[i-1], items[i]) {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}

// sharesPhoneNumber reports a span of digits and dial separators
// ("+-.() " ) holding at least phoneMinDigits digits, e.g. "(555) 123-4567".
func sharesPhoneNumber(text string) bool {
	digits := 0
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			digits++
			if digits >= phoneMinDigits {
				return true
			}
		case strings.ContainsRune("+-.() ", r):
		default:
			digits = 0
		}
	}
	return false
}

// checkSpamPatterns returns a blocking Result for the first spam rule that
// fires on text, or a zero Result.
func checkSpamPatterns(text string) Result {
	for _, rule := range spamRules {
		if rule.hit(text) {
			return Result{Blocked: true, Reason: "spam_pattern", Term: rule.term}
		}
	}
	return Result{}
}
