package watsonx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/alef/internal/reliability"
	"github.com/ent0n29/alef/internal/voice"
)

const (
	generationPath    = "/ml/v1/text/generation"
	generationVersion = "2023-05-29"
)

type Config struct {
	// BaseURL is the regional endpoint, e.g. https://eu-de.ml.cloud.ibm.com.
	BaseURL   string
	ProjectID string
	HTTP      *http.Client
}

// Client calls the watsonx.ai text generation endpoint.
type Client struct {
	endpoint  string
	projectID string
	http      *http.Client
}

func NewClient(cfg Config) *Client {
	c := cfg.HTTP
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + generationPath + "?version=" + generationVersion,
		projectID: cfg.ProjectID,
		http:      c,
	}
}

type generationRequest struct {
	Input      string                 `json:"input"`
	Parameters voice.GenerationParams `json:"parameters"`
	ModelID    string                 `json:"model_id"`
	ProjectID  string                 `json:"project_id"`
}

type generationResponse struct {
	Results []struct {
		GeneratedText string `json:"generated_text"`
		StopReason    string `json:"stop_reason"`
	} `json:"results"`
}

var errNoResults = errors.New("response carried no generated_text")

func (c *Client) Complete(ctx context.Context, token, prompt string, params voice.GenerationParams) (string, error) {
	if params.StopSequences == nil {
		params.StopSequences = []string{}
	}
	payload, err := json.Marshal(generationRequest{
		Input:      prompt,
		Parameters: params,
		ModelID:    params.ModelID,
		ProjectID:  c.projectID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &voice.UpstreamError{
			Kind:      voice.ErrUpstream,
			Service:   "watsonx",
			Retryable: reliability.IsRetryableTransport(err),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &voice.UpstreamError{Kind: voice.ErrUpstream, Service: "watsonx", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &voice.UpstreamError{
			Kind:      voice.ErrUpstream,
			Service:   "watsonx",
			Status:    resp.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			Detail:    snippet(body),
		}
	}

	var out generationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &voice.UpstreamError{Kind: voice.ErrUpstream, Service: "watsonx", Status: resp.StatusCode, Detail: "malformed response", Err: err}
	}
	if len(out.Results) == 0 || strings.TrimSpace(out.Results[0].GeneratedText) == "" {
		return "", &voice.UpstreamError{Kind: voice.ErrEmptyReply, Service: "watsonx", Status: resp.StatusCode, Err: errNoResults}
	}
	return out.Results[0].GeneratedText, nil
}

var _ voice.Completer = (*Client)(nil)
