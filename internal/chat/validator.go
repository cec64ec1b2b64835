package chat

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max trimmed text size in bytes
	MaxTextChars    = 2000 // max character count

	// MaxFrameBytes caps one inbound WebSocket frame. It sits well above the
	// largest valid send-message (2000 runes JSON-escaped at up to 12 bytes
	// each, plus the envelope), so oversized text still reaches validation.
	MaxFrameBytes = 64 << 10
)

// ValidateMessage trims text and checks that it meets content requirements.
// It returns the trimmed text to persist.
func ValidateMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", NewError(CodeInvalidMessage, "message text is empty", nil)
	}
	if len(text) > MaxMessageBytes {
		return "", NewError(CodeInvalidMessage, "message exceeds byte limit", nil)
	}
	if !utf8.ValidString(text) {
		return "", NewError(CodeInvalidMessage, "message contains invalid UTF-8", nil)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", NewError(CodeInvalidMessage, "message exceeds character limit", nil)
	}
	return text, nil
}
