// Package watsonx talks to IBM Cloud: IAM for short-lived bearer tokens and
// watsonx.ai for text generation.
package watsonx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/alef/internal/reliability"
	"github.com/ent0n29/alef/internal/voice"
)

const DefaultIAMURL = "https://iam.cloud.ibm.com/identity/token"

// IAMTokenProvider exchanges the configured API key for an access token.
// Every call performs a fresh exchange.
type IAMTokenProvider struct {
	apiKey string
	url    string
	client *http.Client
}

func NewIAMTokenProvider(apiKey, iamURL string, client *http.Client) *IAMTokenProvider {
	if strings.TrimSpace(iamURL) == "" {
		iamURL = DefaultIAMURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IAMTokenProvider{apiKey: apiKey, url: iamURL, client: client}
}

type iamResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *IAMTokenProvider) IssueToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", authError(0, "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		e := authError(0, "", err)
		e.Retryable = reliability.IsRetryableTransport(err)
		return "", e
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", authError(resp.StatusCode, "", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", authError(resp.StatusCode, snippet(body), nil)
	}

	var out iamResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", authError(resp.StatusCode, "malformed token response", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", authError(resp.StatusCode, "response carried no access_token", nil)
	}
	return out.AccessToken, nil
}

func authError(status int, detail string, err error) *voice.UpstreamError {
	return &voice.UpstreamError{
		Kind:      voice.ErrAuth,
		Service:   "iam",
		Status:    status,
		Retryable: reliability.IsRetryableHTTPStatus(status),
		Detail:    detail,
		Err:       err,
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = strings.ToValidUTF8(s[:512], "") + "..."
	}
	return s
}

var _ voice.TokenIssuer = (*IAMTokenProvider)(nil)
