// Package moderation provides content filtering and moderation capabilities.
// It screens chat messages, room names and poll questions for prohibited
// content before they are stored or delivered to other participants.
package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the built-in blocklist. Single words are matched as whole
// tokens; multi-word entries are matched as consecutive tokens.
var defaultTerms = []string{
	// self-harm and threats
	"kill yourself", "kys", "go die", "hang yourself", "bomb threat", "shoot up",
	// sexual content involving minors and solicitation
	"child porn", "cp links", "send nudes", "nudes for sale",
	// extremism
	"heil hitler", "white power", "sieg heil",
	// scams
	"free bitcoin", "crypto giveaway", "double your money", "wire transfer fee",
}

// leetReplacer maps common character substitutions back to letters.
var leetReplacer = strings.NewReplacer(
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

// Filter checks text against a keyword blocklist and a set of spam patterns.
// It is immutable after construction and safe for concurrent use.
type Filter struct {
	words        map[string]struct{}
	phrases      []string
	allowedHosts map[string]struct{}
	skipSpam     bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithAllowedHosts lets links to the given hosts through the spam rules,
// typically the host of the public share links.
func WithAllowedHosts(hosts ...string) Option {
	return func(f *Filter) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				f.allowedHosts[h] = struct{}{}
			}
		}
	}
}

// WithoutSpamRules disables the spam rules and keeps only the blocklist.
func WithoutSpamRules() Option {
	return func(f *Filter) { f.skipSpam = true }
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter(opts ...Option) *Filter {
	return NewFilterWithTerms(defaultTerms, opts...)
}

// NewFilterWithTerms creates a Filter that blocks exactly the given terms.
// Terms are matched case-insensitively; blank terms are ignored.
func NewFilterWithTerms(terms []string, opts ...Option) *Filter {
	f := &Filter{
		words:        make(map[string]struct{}),
		allowedHosts: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if tokens := tokenizePlain(t); len(tokens) > 1 {
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
			continue
		}
		f.words[t] = struct{}{}
	}
	return f
}

// Check returns a blocking result for the first blocklisted term or spam
// pattern found in text, or a zero FilterResult when text is clean.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}

	if term, ok := f.matchWords(plain); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}
	if term, ok := f.matchWords(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}
	if term, ok := f.matchPhrases(plain); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}
	if term, ok := f.matchPhrases(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	return f.checkSpam(text)
}

// CheckAll checks every text and returns the first blocking result.
func (f *Filter) CheckAll(texts ...string) FilterResult {
	for _, t := range texts {
		if r := f.Check(t); r.Blocked {
			return r
		}
	}
	return FilterResult{}
}

func (f *Filter) matchWords(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	return "", false
}

func (f *Filter) matchPhrases(tokens []string) (string, bool) {
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

// normalizeLeet lowercases s and undoes common character substitutions.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(strings.ToLower(s))
}

// tokenizePlain splits s into runs of letters and digits.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits s on whitespace and strips surrounding punctuation that
// is never used as a letter substitute.
func tokenizeLeet(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) && !strings.ContainsRune("@$!", r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
