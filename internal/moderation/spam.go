package moderation

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var (
	// linkPattern finds URLs with a scheme, www. hosts, and bare domains
	// followed by a path. A bare "v2.0" or "3.14" is not a link.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern finds phone numbers standing on their own, such as
	// +1-555-123-4567 or (555) 123-4567.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	// charFloodRun is the number of identical consecutive characters that
	// counts as flooding. "!!!!" and "nooo" stay below it.
	charFloodRun = 8
	// wordFloodRun is the number of identical consecutive words that counts
	// as flooding.
	wordFloodRun = 4
)

// spamRule is one named spam heuristic. The name is reported as the Term of a
// blocking FilterResult.
type spamRule struct {
	name  string
	match func(f *Filter, text string) bool
}

// spamRules run in order; the first match wins.
var spamRules = []spamRule{
	{name: "link", match: (*Filter).hasForeignLink},
	{name: "phone", match: func(_ *Filter, text string) bool { return phonePattern.MatchString(text) }},
	{name: "char_flood", match: func(_ *Filter, text string) bool { return hasCharFlood(text) }},
	{name: "word_flood", match: func(_ *Filter, text string) bool { return hasWordFlood(text) }},
}

// hasForeignLink reports whether text links to a host outside the filter's
// allowed hosts. Links to the server's own share pages pass.
func (f *Filter) hasForeignLink(text string) bool {
	for _, m := range linkPattern.FindAllString(text, -1) {
		if !f.allowedLink(m) {
			return true
		}
	}
	return false
}

func (f *Filter) allowedLink(link string) bool {
	if len(f.allowedHosts) == 0 {
		return false
	}
	if !strings.Contains(link, "://") {
		link = "http://" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	_, ok := f.allowedHosts[strings.ToLower(u.Hostname())]
	return ok
}

// hasCharFlood reports a run of charFloodRun identical characters. RE2 has
// no backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
			prev = r
		}
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports wordFloodRun identical consecutive words, ignoring
// case.
func hasWordFlood(text string) bool {
	words := strings.Fields(text)
	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			run = 1
			prev = w
		}
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

// checkSpam returns a blocking result for the first spam rule matching text.
func (f *Filter) checkSpam(text string) FilterResult {
	if f.skipSpam {
		return FilterResult{}
	}
	for _, rule := range spamRules {
		if rule.match(f, text) {
			return FilterResult{Blocked: true, Reason: ReasonSpam, Term: rule.name}
		}
	}
	return FilterResult{}
}
