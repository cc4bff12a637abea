package moderation

import (
	"regexp"
)

// Verdict codes and the reasons shown to senders.
const (
	CodeInappropriate = "inappropriate_language"
	CodeEmail         = "email"
	CodePhone         = "phone"
	CodeURL           = "url"

	ReasonInappropriate = "Inappropriate language detected"
	ReasonEmail         = "Email addresses are not allowed"
	ReasonPhone         = "Phone numbers are not allowed"
	ReasonURL           = "URLs are not allowed"
)

// Compiled once at package init; regexp.Regexp is safe for concurrent use.
var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	// Ten digits with optional "-" or "." separators after the area code and
	// exchange: 555-123-4567, 555.123.4567, 5551234567.
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)

	urlPattern = regexp.MustCompile(`https?://\S+`)
)

type patternCheck struct {
	code    string
	reason  string
	pattern *regexp.Regexp
}

// patternChecks runs after the word list. Order matters: the first match wins.
var patternChecks = []patternCheck{
	{code: CodeEmail, reason: ReasonEmail, pattern: emailPattern},
	{code: CodePhone, reason: ReasonPhone, pattern: phonePattern},
	{code: CodeURL, reason: ReasonURL, pattern: urlPattern},
}
