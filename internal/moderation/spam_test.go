package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatterns(t *testing.T) {
	tests := []struct {
		name  string
		input string
		email bool
		phone bool
		url   bool
	}{
		{"email plus tag", "a.b+chat@mail.example.org", true, false, false},
		{"email missing tld", "me@localhost", false, false, false},
		{"phone dashed", "555-123-4567", false, true, false},
		{"phone mixed separators", "555.123-4567", false, true, false},
		{"eleven digits", "15551234567", false, false, false},
		{"nine digits", "555123456", false, false, false},
		{"https", "https://x.io", false, false, true},
		{"scheme only", "https://", false, false, false},
		{"ftp", "ftp://x.io", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.email, emailPattern.MatchString(tt.input), "email")
			assert.Equal(t, tt.phone, phonePattern.MatchString(tt.input), "phone")
			assert.Equal(t, tt.url, urlPattern.MatchString(tt.input), "url")
		})
	}
}

func TestPatternCheckOrder(t *testing.T) {
	codes := make([]string, 0, len(patternChecks))
	for _, c := range patternChecks {
		codes = append(codes, c.code)
	}
	assert.Equal(t, []string{CodeEmail, CodePhone, CodeURL}, codes)
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter()
	msg := "hey, nice to meet you! what music are you into these days?"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
