package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ent0n29/alef/internal/reliability"
)

const googleSpeechScope = "https://www.googleapis.com/auth/cloud-platform"

type GoogleSpeechConfig struct {
	// CredentialsJSON is a service-account key file.
	CredentialsJSON []byte
	Endpoint        string
	// HTTPClient overrides the authenticated client built from
	// CredentialsJSON.
	HTTPClient *http.Client
}

// GoogleRecognizer calls the Cloud Speech-to-Text v1 speech:recognize REST
// method with one synchronous request per clip.
type GoogleRecognizer struct {
	endpoint string
	client   *http.Client
}

func NewGoogleRecognizer(ctx context.Context, cfg GoogleSpeechConfig) (*GoogleRecognizer, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = "https://speech.googleapis.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		creds, err := google.CredentialsFromJSON(ctx, cfg.CredentialsJSON, googleSpeechScope)
		if err != nil {
			return nil, fmt.Errorf("google credentials: %w", err)
		}
		client = oauth2.NewClient(context.WithoutCancel(ctx), creds.TokenSource)
	}
	return &GoogleRecognizer{endpoint: endpoint, client: client}, nil
}

type recognizeRequest struct {
	Config struct {
		LanguageCode string `json:"languageCode"`
	} `json:"config"`
	Audio struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
}

func (g *GoogleRecognizer) Recognize(ctx context.Context, clip []byte, languageCode string) ([]string, error) {
	var body recognizeRequest
	body.Config.LanguageCode = languageCode
	body.Audio.Content = base64.StdEncoding.EncodeToString(clip)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/v1/speech:recognize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrRecognition, Service: "google-stt", Retryable: reliability.IsRetryableTransport(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &UpstreamError{Kind: ErrRecognition, Service: "google-stt", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Kind:      ErrRecognition,
			Service:   "google-stt",
			Status:    resp.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			Detail:    truncate(strings.TrimSpace(string(data)), 512),
		}
	}

	var out recognizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &UpstreamError{Kind: ErrRecognition, Service: "google-stt", Detail: "malformed response", Err: err}
	}
	lines := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		lines = append(lines, r.Alternatives[0].Transcript)
	}
	return lines, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
