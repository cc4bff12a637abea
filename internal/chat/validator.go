package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/whisper/anonyconnect/internal/apperr"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that message content meets size and encoding
// requirements. Whitespace-only content counts as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.CodeInvalid, "message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return apperr.Newf(apperr.CodeInvalid, "message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return apperr.New(apperr.CodeInvalid, "message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.Newf(apperr.CodeInvalid, "message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
