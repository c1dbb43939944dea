package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoogleRecognizeRequestShape(t *testing.T) {
	type call struct {
		method, path string
		body         recognizeRequest
	}
	calls := make(chan call, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{method: r.Method, path: r.URL.Path}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		calls <- c
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"alternatives":[{"transcript":"السلام عليكم","confidence":0.9},{"transcript":"alt"}]},
			{"alternatives":[]},
			{"alternatives":[{"transcript":"كيف حالك"}]}
		]}`))
	}))
	defer srv.Close()

	g, err := NewGoogleRecognizer(context.Background(), GoogleSpeechConfig{Endpoint: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	lines, err := g.Recognize(context.Background(), []byte("RIFFclip"), "ar-SA")
	require.NoError(t, err)
	require.Equal(t, []string{"السلام عليكم", "كيف حالك"}, lines)
	got := <-calls
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/v1/speech:recognize", got.path)
	require.Equal(t, "ar-SA", got.body.Config.LanguageCode)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("RIFFclip")), got.body.Audio.Content)
}

func TestGoogleRecognizeHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g, err := NewGoogleRecognizer(context.Background(), GoogleSpeechConfig{Endpoint: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	_, err = g.Recognize(context.Background(), []byte("clip"), "ar-SA")
	require.ErrorIs(t, err, ErrRecognition)
	require.Equal(t, http.StatusTooManyRequests, HTTPStatus(err))
	require.True(t, IsRetryable(err))
}

func TestGoogleRecognizeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	g, err := NewGoogleRecognizer(context.Background(), GoogleSpeechConfig{Endpoint: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = g.Recognize(context.Background(), []byte("clip"), "ar-SA")
	require.ErrorIs(t, err, ErrRecognition)
}

func TestGoogleRecognizerRejectsBadCredentials(t *testing.T) {
	_, err := NewGoogleRecognizer(context.Background(), GoogleSpeechConfig{CredentialsJSON: []byte("{")})
	require.Error(t, err)
}
