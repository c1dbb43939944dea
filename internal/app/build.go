package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/alef/internal/audio"
	"github.com/ent0n29/alef/internal/config"
	"github.com/ent0n29/alef/internal/httpapi"
	"github.com/ent0n29/alef/internal/observability"
	"github.com/ent0n29/alef/internal/persona"
	"github.com/ent0n29/alef/internal/pipeline"
	"github.com/ent0n29/alef/internal/session"
	"github.com/ent0n29/alef/internal/turnlog"
)

type BuildResult struct {
	Config    config.Config
	Persona   *persona.Persona
	API       *httpapi.Server
	Sessions  *session.Manager
	Pipelines *pipeline.Registry
	Metrics   *observability.Metrics
	// ProviderDetail describes which upstreams are wired.
	ProviderDetail string

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func loadPersona(path string) (*persona.Persona, error) {
	if path == "" {
		return persona.Default()
	}
	return persona.Load(path)
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	p, err := loadPersona(cfg.PersonaFile)
	if err != nil {
		return nil, fmt.Errorf("persona load failed: %w", err)
	}

	clips, err := audio.NewClipStore(cfg.AudioDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("clip store init failed: %w", err)
	}

	setup, err := resolveProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	turns, err := turnlog.NewStore(ctx, cfg.DatabaseURL, cfg.TurnLogPerSession)
	if err != nil {
		return nil, fmt.Errorf("turn log init failed: %w", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	sessions := session.NewManager(cfg.SessionInactivityTimeout, p.NewTranscript)
	pipelines := pipeline.New(pipeline.Config{
		Persona:         p,
		VoiceID:         setup.voiceID,
		Clips:           clips,
		Sessions:        sessions,
		TurnLog:         turns,
		Metrics:         metrics,
		StageTimeout:    cfg.StageTimeout,
		PlaybackTimeout: cfg.PlaybackTimeout,
	}, setup.providers)

	sessions.SetExpireHook(func(s *session.Session) {
		pipelines.Forget(s.ID)
		metrics.ObserveSessionEvent("expired", sessions.ActiveCount())
		log.Info().Str("session_id", s.ID).Msg("session expired")
	})
	metrics.ObserveSessionEvent("started", sessions.ActiveCount())

	api := httpapi.New(cfg, pipelines, metrics)

	cleanup := func() error {
		var errs []error
		if err := turns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("turn log close: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:         cfg,
		Persona:        p,
		API:            api,
		Sessions:       sessions,
		Pipelines:      pipelines,
		Metrics:        metrics,
		ProviderDetail: setup.detail,
		Cleanup:        cleanup,
	}, nil
}
