package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ent0n29/alef/internal/config"
	"github.com/ent0n29/alef/internal/pipeline"
	"github.com/ent0n29/alef/internal/voice"
	"github.com/ent0n29/alef/internal/watsonx"
)

// upstreamTimeout caps a single REST call; stage timeouts usually fire first.
const upstreamTimeout = 60 * time.Second

type providerSetup struct {
	providers pipeline.Providers
	voiceID   string
	detail    string
}

func resolveProviders(ctx context.Context, cfg config.Config) (providerSetup, error) {
	switch cfg.VoiceProvider {
	case config.ProviderMock:
		p := voice.NewMockProvider()
		return providerSetup{
			providers: pipeline.Providers{Tokens: p, Model: p, Recognizer: p, Speech: p},
			voiceID:   "mock",
			detail:    "mock (no upstream calls)",
		}, nil
	case config.ProviderLive, "":
		client := &http.Client{Timeout: upstreamTimeout}
		recognizer, err := voice.NewGoogleRecognizer(ctx, voice.GoogleSpeechConfig{
			CredentialsJSON: cfg.GoogleCredentialsJSON,
			Endpoint:        cfg.GoogleSpeechEndpoint,
		})
		if err != nil {
			return providerSetup{}, fmt.Errorf("google speech init failed: %w", err)
		}
		return providerSetup{
			providers: pipeline.Providers{
				Tokens: watsonx.NewIAMTokenProvider(cfg.IBM.APIKey, cfg.IBM.IAMURL, client),
				Model: watsonx.NewClient(watsonx.Config{
					BaseURL:   cfg.IBM.WatsonURL,
					ProjectID: cfg.IBM.ProjectID,
					HTTP:      client,
				}),
				Recognizer: recognizer,
				Speech: voice.NewElevenLabsClient(voice.ElevenLabsConfig{
					APIKey:    cfg.ElevenLabs.APIKey,
					WSBaseURL: cfg.ElevenLabsWSBaseURL,
				}),
			},
			voiceID: cfg.ElevenLabs.VoiceID,
			detail:  "live (watsonx + google speech + elevenlabs)",
		}, nil
	default:
		return providerSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected live|mock)", cfg.VoiceProvider)
	}
}
