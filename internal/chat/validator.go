package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // largest player_message payload accepted
	MaxTextChars    = 4000 // max character count
)

// ErrEmptyMessage is returned for messages that are blank after trimming.
var ErrEmptyMessage = errors.New("message text is empty")

// ValidateMessage checks that a player message meets content requirements
// and returns the trimmed text.
func ValidateMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}
