package policy

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Upper bounds on what a browser may push through the proxy in one request.
const (
	MaxPromptRunes = 2000
	MaxSpeechRunes = 2500
	MaxUploadBytes = 10 << 20
)

var (
	ErrEmptyText   = errors.New("text is empty")
	ErrTextTooLong = errors.New("text too long")
)

// CheckPrompt validates one user utterance before it reaches the model.
func CheckPrompt(text string) error {
	return checkText(text, MaxPromptRunes)
}

// CheckSpeech validates text submitted for synthesis.
func CheckSpeech(text string) error {
	return checkText(text, MaxSpeechRunes)
}

func checkText(text string, limit int) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if n := utf8.RuneCountInString(text); n > limit {
		return fmt.Errorf("%w: %d characters, limit %d", ErrTextTooLong, n, limit)
	}
	return nil
}
