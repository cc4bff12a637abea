// Package moderation screens chat content before it is stored or delivered.
//
// Filter.Check is a pure function of its input and the configured word list.
// It never performs I/O, so it is safe to call while holding the
// per-conversation append lock. Slower, model-backed screening (the minor
// suspicion classifier) lives behind the MinorClassifier interface and is only
// ever invoked asynchronously from the report path.
package moderation

import (
	"strings"
)

// DefaultBannedWords is the built-in word list used when no word list file is
// configured.
var DefaultBannedWords = []string{"badword", "inappropriate", "spam", "scam", "abuse"}

// Verdict is the outcome of screening one piece of text. Code is a stable
// machine readable identifier; Reason is shown to the sender.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the verdict for acceptable content.
var Allow = Verdict{Allowed: true}

// Filter checks text against a banned word list and a fixed set of contact
// detail patterns. It is immutable after construction and safe for concurrent
// use.
type Filter struct {
	words []string
}

// NewFilter returns a Filter using DefaultBannedWords.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultBannedWords)
}

// NewFilterWithTerms returns a Filter with a custom word list. Terms are
// lower-cased and blank terms dropped; a nil list disables the word check.
func NewFilterWithTerms(terms []string) *Filter {
	words := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		words = append(words, t)
	}
	return &Filter{words: words}
}

// Check screens text. The checks run in a fixed order and the first match
// decides the verdict: banned words, then email addresses, phone numbers and
// URLs.
func (f *Filter) Check(text string) Verdict {
	if term := f.bannedTerm(text); term != "" {
		return Verdict{Code: CodeInappropriate, Reason: ReasonInappropriate}
	}
	for _, pc := range patternChecks {
		if pc.pattern.MatchString(text) {
			return Verdict{Code: pc.code, Reason: pc.reason}
		}
	}
	return Allow
}

// CheckInterests returns the subset of tags that pass the banned word check,
// preserving order.
func (f *Filter) CheckInterests(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if f.bannedTerm(tag) == "" {
			out = append(out, tag)
		}
	}
	return out
}

// Words returns a copy of the active word list.
func (f *Filter) Words() []string {
	out := make([]string, len(f.words))
	copy(out, f.words)
	return out
}

// bannedTerm returns the first banned term contained in text, matching
// case-insensitively on substrings.
func (f *Filter) bannedTerm(text string) string {
	if len(f.words) == 0 {
		return ""
	}
	lower := strings.ToLower(text)
	for _, w := range f.words {
		if strings.Contains(lower, w) {
			return w
		}
	}
	return ""
}
