package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // relay frame limit
	MaxTextChars    = 2000
)

// Validation errors returned by ValidateMessage.
var (
	ErrEmptyMessage   = errors.New("chat: message text is empty")
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrInvalidUTF8    = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks that a chat message meets content requirements.
// Whitespace-only text counts as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: over %d bytes", ErrMessageTooLong, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: over %d characters", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}
