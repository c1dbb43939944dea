package policy

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	require.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		require.Contains(t, out, marker)
	}
}

func TestRedactPIIArabicDigits(t *testing.T) {
	out, changed := RedactPII("رقمي ٠٥٥١٢٣٤٥٦٧")
	require.True(t, changed)
	require.Equal(t, "رقمي [REDACTED_PHONE]", out)
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("مرحبا يا ألف")
	require.False(t, changed)
	require.Equal(t, "مرحبا يا ألف", out)
}

func TestLogPreviewTruncatesByRune(t *testing.T) {
	long := strings.Repeat("ب", 300)
	out := LogPreview(long)
	require.Equal(t, logPreviewRunes+1, utf8.RuneCountInString(out))
	require.True(t, strings.HasSuffix(out, "…"))
}

func TestCheckPrompt(t *testing.T) {
	require.ErrorIs(t, CheckPrompt("  "), ErrEmptyText)
	require.NoError(t, CheckPrompt("ما هو حرف الألف؟"))
	require.ErrorIs(t, CheckPrompt(strings.Repeat("a", MaxPromptRunes+1)), ErrTextTooLong)
	require.ErrorIs(t, CheckSpeech(strings.Repeat("a", MaxSpeechRunes+1)), ErrTextTooLong)
}
