// Package moderation screens chat message text before it is persisted. A
// Filter blocks configured keywords and phrases, including common leetspeak
// spellings, and optionally a set of spam patterns.
package moderation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
)

// FilterResult describes why a text was blocked. The zero value means the
// text is clean.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term, or the spam check name
}

// Filter is safe for concurrent use once built.
type Filter struct {
	words   map[string]string // normalized token -> configured term
	phrases []phrase
	checks  []spamCheck
}

type phrase struct {
	term   string
	tokens []string
}

// NewFilter builds a Filter blocking terms and running the named spam checks
// ("url", "phone", "char_flood", "word_flood"). Blank terms are ignored.
func NewFilter(terms []string, spam []string) (*Filter, error) {
	f := &Filter{words: make(map[string]string)}

	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		tokens := tokenize(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = term
		default:
			f.phrases = append(f.phrases, phrase{term: term, tokens: tokens})
		}
	}

	for _, name := range spam {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		sc, ok := spamCheckByName(name)
		if !ok {
			return nil, fmt.Errorf("moderation: unknown spam check %q", name)
		}
		f.checks = append(f.checks, sc)
	}
	return f, nil
}

// Empty reports whether the filter blocks nothing.
func (f *Filter) Empty() bool {
	return len(f.words) == 0 && len(f.phrases) == 0 && len(f.checks) == 0
}

// Check screens text. Keywords are checked before spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if res := f.checkTerms(tokenize(text)); res.Blocked {
		return res
	}
	if res := f.checkTerms(tokenize(normalizeLeet(text))); res.Blocked {
		return res
	}
	return f.checkSpamPatterns(text)
}

// Screen returns an INVALID_MESSAGE error when text is blocked.
func (f *Filter) Screen(text string) error {
	res := f.Check(text)
	if !res.Blocked {
		return nil
	}
	logger := log.WithComponent("moderation")
	logger.Info().Str("reason", res.Reason).Str("term", res.Term).Msg("message blocked")

	msg := "message contains blocked content"
	if res.Reason == reasonSpam {
		msg = spamReason(res.Term)
	}
	return chat.NewError(chat.CodeInvalidMessage, msg, nil)
}

const (
	reasonKeyword = "blocked_keyword"
	reasonSpam    = "spam_pattern"
)

func (f *Filter) checkTerms(tokens []string) FilterResult {
	for _, tok := range tokens {
		if term, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: reasonKeyword, Term: term}
		}
	}
	for _, p := range f.phrases {
		if containsSeq(tokens, p.tokens) {
			return FilterResult{Blocked: true, Reason: reasonKeyword, Term: p.term}
		}
	}
	return FilterResult{}
}

func containsSeq(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

func normalizeLeet(text string) string {
	return leet.Replace(strings.ToLower(text))
}
