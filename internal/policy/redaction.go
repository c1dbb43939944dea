package policy

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9٠-٩][0-9٠-٩\-() ]{7,}[0-9٠-٩]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns. Arabic-Indic digits count
// as digits for phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first, otherwise they match as phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

const logPreviewRunes = 120

// LogPreview returns a redacted, rune-truncated copy of text that is safe to
// put in a log line.
func LogPreview(text string) string {
	out, _ := RedactPII(text)
	if utf8.RuneCountInString(out) <= logPreviewRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:logPreviewRunes]) + "…"
}
