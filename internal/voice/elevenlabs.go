package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/alef/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey    string
	WSBaseURL string
}

// ElevenLabsClient synthesizes speech over the ElevenLabs stream-input
// websocket, one connection per utterance.
type ElevenLabsClient struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	return &ElevenLabsClient{cfg: cfg, dialer: websocket.DefaultDialer}
}

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenInput struct {
	Text                 string               `json:"text"`
	VoiceSettings        *elevenVoiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool                 `json:"try_trigger_generation,omitempty"`
}

type elevenOutput struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string, settings VoiceSettings) ([]byte, error) {
	if strings.TrimSpace(settings.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	modelID := settings.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_turbo_v2_5"
	}
	format := settings.OutputFormat
	if strings.TrimSpace(format) == "" {
		format = "mp3_44100_128"
	}

	u, err := url.Parse(strings.TrimRight(c.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(settings.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", format)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, dialError(resp, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	inputs := []elevenInput{
		{
			Text: " ",
			VoiceSettings: &elevenVoiceSettings{
				Stability:       clamp01(settings.Stability),
				SimilarityBoost: clamp01(settings.SimilarityBoost),
			},
		},
		{Text: strings.TrimSpace(text) + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	for _, in := range inputs {
		if err := conn.WriteJSON(in); err != nil {
			return nil, c.transportError(ctx, "send text", err)
		}
	}

	var audio []byte
	for {
		var out elevenOutput
		if err := conn.ReadJSON(&out); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(audio) > 0 {
				return audio, nil
			}
			return nil, c.transportError(ctx, "read audio", err)
		}
		if msg := firstNonEmpty(out.Error, out.Message); msg != "" && out.Audio == "" && !out.IsFinal {
			return nil, &UpstreamError{
				Kind:      ErrSynthesis,
				Service:   "elevenlabs",
				Retryable: reliability.IsRetryableRealtimeMessageType(out.MessageType),
				Detail:    msg,
			}
		}
		if out.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(out.Audio)
			if err != nil {
				return nil, &UpstreamError{Kind: ErrSynthesis, Service: "elevenlabs", Detail: "malformed audio chunk", Err: err}
			}
			audio = append(audio, chunk...)
		}
		if out.IsFinal {
			return audio, nil
		}
	}
}

func (c *ElevenLabsClient) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &UpstreamError{
		Kind:      ErrSynthesis,
		Service:   "elevenlabs",
		Retryable: reliability.IsRetryableTransport(err),
		Err:       fmt.Errorf("%s: %w", op, err),
	}
}

func dialError(resp *http.Response, err error) error {
	ue := &UpstreamError{Kind: ErrSynthesis, Service: "elevenlabs", Err: fmt.Errorf("dial tts websocket: %w", err)}
	if resp != nil {
		defer resp.Body.Close()
		ue.Status = resp.StatusCode
		ue.Retryable = reliability.IsRetryableHTTPStatus(resp.StatusCode)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		ue.Detail = strings.TrimSpace(string(body))
	} else {
		ue.Retryable = reliability.IsRetryableTransport(err)
	}
	return ue
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
