package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/alef/internal/app"
	"github.com/ent0n29/alef/internal/config"
	"github.com/ent0n29/alef/internal/observability"
	"github.com/ent0n29/alef/internal/voice"
)

type turnOptions struct {
	audioPath string
	sessionID string
}

func newTurnCmd() *cobra.Command {
	opts := &turnOptions{}
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run one voice turn over a recorded clip without a browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runTurn(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.audioPath, "audio", "", "recorded utterance (WAV or any format the recognizer accepts)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (default session when empty)")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func runTurn(ctx context.Context, cfg config.Config, opts *turnOptions, out io.Writer) error {
	clip, err := os.ReadFile(opts.audioPath)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}

	shutdownTracing := observability.InitTracing("alef-turn", nil)
	defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer built.Cleanup()

	res, err := built.Pipelines.RunClip(ctx, opts.sessionID, clip, &voice.HeadlessPresenter{})
	fmt.Fprintf(out, "turn:    %s\n", res.TurnID)
	fmt.Fprintf(out, "outcome: %s\n", res.Outcome)
	if res.UserText != "" {
		fmt.Fprintf(out, "heard:   %s\n", res.UserText)
	}
	if res.ReplyText != "" {
		fmt.Fprintf(out, "reply:   %s\n", res.ReplyText)
	}
	if res.Resource != nil {
		fmt.Fprintf(out, "clip:    %s\n", res.Resource.URL)
	}
	for _, stage := range []string{voice.StageTranscribe, voice.StageGenerate, voice.StageSynthesize, voice.StageTurnToAudio} {
		if d, ok := res.Durations[stage]; ok {
			fmt.Fprintf(out, "%-12s %s\n", stage+":", d.Round(time.Millisecond))
		}
	}
	if err != nil {
		return fmt.Errorf("turn failed at %s: %w", res.FailedStage, err)
	}
	return nil
}
