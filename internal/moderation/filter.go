// Package moderation screens relayed chat text before it reaches the partner:
// a keyword blocklist (with leetspeak folding) followed by spam heuristics.
package moderation

import (
	"strings"
	"unicode"
)

// Result is the outcome of a Check. Reason is "blocked_keyword" or
// "spam_pattern"; Term names the keyword or the spam check that fired.
type Result struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"`
}

// defaultTerms is the built-in blocklist. Multi-word entries match as whole
// phrases.
var defaultTerms = []string{
	// self-harm and threats
	"kill yourself", "kys", "go die", "bomb threat", "shoot up",
	// sexual exploitation
	"child porn", "send nudes", "nudes for sale",
	// extremism
	"heil hitler", "white power",
	// scams
	"free bitcoin", "crypto giveaway", "cashapp me", "onlyfans link",
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Filter is safe for concurrent use; it is immutable after construction.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a filter blocking exactly terms. Blank entries
// are ignored; a nil list leaves only the spam checks.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.Contains(t, " ") {
			f.phrases = append(f.phrases, strings.Join(strings.Fields(t), " "))
			continue
		}
		f.words[t] = struct{}{}
	}
	return f
}

// Check screens text. Keyword matches take priority over spam patterns.
func (f *Filter) Check(text string) Result {
	if text == "" {
		return Result{}
	}

	plain := tokenizePlain(text)
	if term, ok := f.match(plain); ok {
		return Result{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	leet := tokenizeLeet(text)
	folded := make([]string, 0, len(leet))
	for _, tok := range leet {
		folded = append(folded, strings.TrimFunc(normalizeLeet(tok), func(r rune) bool {
			return !unicode.IsLetter(r)
		}))
	}
	if term, ok := f.match(folded); ok {
		return Result{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	return checkSpamPatterns(text)
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters
// inside tokens.
func tokenizeLeet(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}
