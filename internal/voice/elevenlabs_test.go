package voice

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func elevenServer(t *testing.T, handle func(t *testing.T, r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(t, r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestElevenLabsCollectsAudioUntilFinal(t *testing.T) {
	type seen struct {
		path, key, model, format string
		inputs                   []elevenInput
	}
	seenc := make(chan seen, 1)
	base := elevenServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		s := seen{
			path:   r.URL.Path,
			key:    r.Header.Get("xi-api-key"),
			model:  r.URL.Query().Get("model_id"),
			format: r.URL.Query().Get("output_format"),
		}
		for i := 0; i < 3; i++ {
			var in elevenInput
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			s.inputs = append(s.inputs, in)
		}
		seenc <- s
		for _, part := range []string{"ID3", "abc"} {
			_ = conn.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte(part))})
		}
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
	})

	c := NewElevenLabsClient(ElevenLabsConfig{APIKey: "xi-key", WSBaseURL: base})
	data, err := c.Synthesize(context.Background(), "مرحبا", VoiceSettings{
		VoiceID:         "voice-1",
		Stability:       0.5,
		SimilarityBoost: 1.7,
	})
	require.NoError(t, err)
	require.Equal(t, "ID3abc", string(data))

	got := <-seenc
	require.Equal(t, "/v1/text-to-speech/voice-1/stream-input", got.path)
	require.Equal(t, "xi-key", got.key)
	require.Equal(t, "eleven_turbo_v2_5", got.model)
	require.Equal(t, "mp3_44100_128", got.format)

	inputs := got.inputs
	require.Len(t, inputs, 3)
	require.Equal(t, " ", inputs[0].Text)
	require.Equal(t, &elevenVoiceSettings{Stability: 0.5, SimilarityBoost: 1}, inputs[0].VoiceSettings)
	require.Equal(t, "مرحبا ", inputs[1].Text)
	require.Equal(t, "", inputs[2].Text)
}

func TestElevenLabsErrorMessage(t *testing.T) {
	base := elevenServer(t, func(t *testing.T, _ *http.Request, conn *websocket.Conn) {
		var in elevenInput
		_ = conn.ReadJSON(&in)
		_ = conn.WriteJSON(map[string]any{"message_type": "rate_limited", "error": "too many requests"})
	})

	c := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", WSBaseURL: base})
	_, err := c.Synthesize(context.Background(), "hi", VoiceSettings{VoiceID: "v"})
	require.ErrorIs(t, err, ErrSynthesis)
	require.True(t, IsRetryable(err))
	require.Contains(t, err.Error(), "too many requests")
}

func TestElevenLabsDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewElevenLabsClient(ElevenLabsConfig{APIKey: "bad", WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	_, err := c.Synthesize(context.Background(), "hi", VoiceSettings{VoiceID: "v"})
	require.ErrorIs(t, err, ErrSynthesis)
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
	require.False(t, IsRetryable(err))
}

func TestElevenLabsRequiresVoice(t *testing.T) {
	c := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k"})
	_, err := c.Synthesize(context.Background(), "hi", VoiceSettings{})
	require.Error(t, err)
}
