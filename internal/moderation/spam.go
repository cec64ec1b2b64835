package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// A bare domain only counts with a path, so "v2.0" and "3.14" pass.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Digits must be bounded by whitespace or the text edges.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical runes in a row
	wordFloodRun = 3 // identical words in a row, ignoring case
)

type spamCheck struct {
	name   string
	reason string // shown to the sender
	match  func(string) bool
}

var spamChecks = map[string]spamCheck{
	"url": {
		name: "url", reason: "links are not allowed in chat",
		match: linkPattern.MatchString,
	},
	"phone": {
		name: "phone", reason: "phone numbers are not allowed in chat",
		match: phonePattern.MatchString,
	},
	"char_flood": {
		name: "char_flood", reason: "too many repeated characters",
		match: func(text string) bool {
			return longestRun([]rune(text)) >= charFloodRun
		},
	},
	"word_flood": {
		name: "word_flood", reason: "too many repeated words",
		match: func(text string) bool {
			return longestRun(strings.FieldsFunc(strings.ToLower(text), unicode.IsSpace)) >= wordFloodRun
		},
	},
}

// longestRun returns the length of the longest run of equal adjacent items.
// RE2 has no backreferences, so floods are counted rather than matched.
func longestRun[T comparable](items []T) int {
	best, run := 0, 0
	for i := range items {
		if i > 0 && items[i] == items[i-1] {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func spamCheckByName(name string) (spamCheck, bool) {
	sc, ok := spamChecks[name]
	return sc, ok
}

func spamReason(name string) string {
	if sc, ok := spamChecks[name]; ok {
		return sc.reason
	}
	return "message looks like spam"
}

// checkSpamPatterns runs the configured checks in order; the first match
// blocks.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range f.checks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: reasonSpam, Term: sc.name}
		}
	}
	return FilterResult{}
}
