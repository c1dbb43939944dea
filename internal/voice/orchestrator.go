package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/alef/internal/conversation"
	"github.com/ent0n29/alef/internal/observability"
	"github.com/ent0n29/alef/internal/policy"
	"github.com/ent0n29/alef/internal/turnlog"
)

type State string

const (
	StateIdle         State = "idle"
	StateCapturing    State = "capturing"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StatePlaying      State = "playing"
	StateFailed       State = "failed"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeNoSpeech    Outcome = "no_speech"
	OutcomeNoReply     Outcome = "no_reply"
	OutcomeFailed      Outcome = "failed"
)

// Stage names used for durations, metrics and spans.
const (
	StageTranscribe  = "transcribe"
	StageGenerate    = "generate"
	StageSynthesize  = "synthesize"
	StagePlayback    = "playback"
	StageTurnToAudio = "turn_to_audio"
)

type Animations struct {
	Idle     string
	Speaking string
}

// TurnResult summarizes one finished turn.
type TurnResult struct {
	TurnID      string
	UserText    string
	ReplyText   string
	Resource    *AudioResource
	Outcome     Outcome
	FailedStage string
	Err         error
	Durations   map[string]time.Duration
}

// StateListener observes every state change. It is called with the
// orchestrator lock held and must not call back into the orchestrator.
type StateListener func(turnID string, state State)

type OrchestratorConfig struct {
	SessionID    string
	Conversation *conversation.Transcript
	Transcriber  *Transcriber
	Replies      *ReplyGenerator
	Synthesizer  *Synthesizer
	Presenter    Presenter
	Animations   Animations

	StageTimeout    time.Duration
	PlaybackTimeout time.Duration

	TurnLog turnlog.Store
	Metrics *observability.Metrics
	OnState StateListener
	OnTurn  func(TurnResult)
}

// Orchestrator drives one conversation through record, transcribe, reply,
// synthesize and play. Only one turn runs at a time.
type Orchestrator struct {
	cfg OrchestratorConfig

	mu     sync.Mutex
	state  State
	turnID string
	cancel context.CancelFunc
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.PlaybackTimeout <= 0 {
		cfg.PlaybackTimeout = 2 * time.Minute
	}
	if cfg.Animations.Idle == "" {
		cfg.Animations.Idle = "Animation 1"
	}
	if cfg.Animations.Speaking == "" {
		cfg.Animations.Speaking = "Animation 2"
	}
	return &Orchestrator{cfg: cfg, state: StateIdle}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SessionID() string { return o.cfg.SessionID }

// Start begins capturing a new utterance. It is only valid while idle.
func (o *Orchestrator) Start(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return sequenceError("start", o.state)
	}
	if err := o.cfg.Transcriber.Start(); err != nil {
		return err
	}
	o.turnID = uuid.NewString()
	o.setStateLocked(StateCapturing)
	return nil
}

// TurnID returns the id of the turn in progress, or "" while idle.
func (o *Orchestrator) TurnID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnID
}

// Write forwards encoded audio while capturing.
func (o *Orchestrator) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateCapturing {
		return 0, sequenceError("write", o.state)
	}
	return o.cfg.Transcriber.Write(p)
}

// WritePCM forwards raw PCM16LE audio while capturing.
func (o *Orchestrator) WritePCM(pcm []byte, sampleRate int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateCapturing {
		return sequenceError("write", o.state)
	}
	return o.cfg.Transcriber.WritePCM(pcm, sampleRate)
}

// Abort discards a capture in progress or cancels the running turn, stopping
// any playback.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateIdle, StateFailed:
	case StateCapturing:
		o.cfg.Transcriber.Discard()
		o.setStateLocked(StateIdle)
	default:
		if o.cancel != nil {
			o.cancel()
		}
	}
}

// Stop ends the capture and runs the rest of the turn in order. It returns
// once playback has ended and the character is idle again. Called in any
// state other than capturing it fails with ErrCallerSequence and changes
// nothing.
func (o *Orchestrator) Stop(ctx context.Context) (TurnResult, error) {
	o.mu.Lock()
	if o.state != StateCapturing {
		err := sequenceError("stop", o.state)
		o.mu.Unlock()
		return TurnResult{}, err
	}
	turnID := o.turnID
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.setStateLocked(StateTranscribing)
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	ctx, span := observability.StartSpan(ctx, "voice.turn", trace.WithAttributes(
		attribute.String("session.id", o.cfg.SessionID),
		attribute.String("turn.id", turnID),
	))
	defer span.End()

	res := TurnResult{TurnID: turnID, Durations: make(map[string]time.Duration, 5)}
	turnStart := time.Now()

	err := o.runStage(ctx, &res, StageTranscribe, o.cfg.StageTimeout, func(ctx context.Context) error {
		text, err := o.cfg.Transcriber.Stop(ctx)
		res.UserText = text
		return err
	})
	if err != nil {
		return o.stageFailed(ctx, res, StageTranscribe, err)
	}
	if strings.TrimSpace(res.UserText) == "" {
		return o.finish(ctx, res, OutcomeNoSpeech), nil
	}

	o.setState(StateGenerating)
	err = o.runStage(ctx, &res, StageGenerate, o.cfg.StageTimeout, func(ctx context.Context) error {
		reply, err := o.cfg.Replies.Generate(ctx, o.cfg.Conversation, res.UserText)
		res.ReplyText = reply
		return err
	})
	if errors.Is(err, ErrEmptyReply) {
		res.Err = err
		return o.finish(ctx, res, OutcomeNoReply), nil
	}
	if err != nil {
		return o.stageFailed(ctx, res, StageGenerate, err)
	}

	o.setState(StateSynthesizing)
	err = o.runStage(ctx, &res, StageSynthesize, o.cfg.StageTimeout, func(ctx context.Context) error {
		r, err := o.cfg.Synthesizer.Synthesize(ctx, res.ReplyText)
		res.Resource = r
		return err
	})
	if err != nil {
		return o.stageFailed(ctx, res, StageSynthesize, err)
	}

	o.setState(StatePlaying)
	res.Durations[StageTurnToAudio] = time.Since(turnStart)
	o.cfg.Metrics.ObserveStage(StageTurnToAudio, res.Durations[StageTurnToAudio])

	o.cfg.Presenter.SetAnimation(ctx, o.cfg.Animations.Speaking)
	err = o.runStage(ctx, &res, StagePlayback, 0, func(ctx context.Context) error {
		if err := o.cfg.Presenter.Play(ctx, res.Resource); err != nil {
			res.Resource.Stop()
			return err
		}
		o.awaitPlayback(ctx, res.Resource)
		return nil
	})
	o.cfg.Presenter.SetAnimation(context.WithoutCancel(ctx), o.cfg.Animations.Idle)
	if err != nil {
		return o.stageFailed(ctx, res, StagePlayback, err)
	}

	outcome := OutcomeCompleted
	if res.Resource.State() == PlaybackStopped {
		outcome = OutcomeInterrupted
	}
	return o.finish(ctx, res, outcome), nil
}

func (o *Orchestrator) awaitPlayback(ctx context.Context, res *AudioResource) {
	timer := time.NewTimer(o.cfg.PlaybackTimeout)
	defer timer.Stop()
	select {
	case <-res.Done():
	case <-timer.C:
		observability.Logger(ctx).Warn().
			Str("session_id", o.cfg.SessionID).
			Str("clip_id", res.ID).
			Dur("timeout", o.cfg.PlaybackTimeout).
			Msg("playback did not report completion, stopping clip")
		res.Stop()
	case <-ctx.Done():
		res.Stop()
	}
}

func (o *Orchestrator) runStage(ctx context.Context, res *TurnResult, stage string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "voice."+stage)
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	res.Durations[stage] = elapsed
	o.cfg.Metrics.ObserveStage(stage, elapsed)

	if err != nil && !errors.Is(err, ErrEmptyReply) {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
	}
	return err
}

// stageFailed ends the turn after a stage error. A canceled stage means the
// turn was aborted or its caller went away, which is an interruption and not
// an upstream failure.
func (o *Orchestrator) stageFailed(ctx context.Context, res TurnResult, stage string, err error) (TurnResult, error) {
	if errors.Is(err, context.Canceled) {
		res.Err = err
		o.logger(ctx, res.TurnID).Debug().Str("stage", stage).Msg("voice turn canceled")
		return o.finish(ctx, res, OutcomeInterrupted), nil
	}
	return o.fail(ctx, res, stage, err)
}

func (o *Orchestrator) fail(ctx context.Context, res TurnResult, stage string, err error) (TurnResult, error) {
	res.Outcome = OutcomeFailed
	res.FailedStage = stage
	res.Err = err

	trace.SpanFromContext(ctx).SetStatus(codes.Error, stage)
	o.logger(ctx, res.TurnID).Error().
		Err(err).
		Str("stage", stage).
		Str("error_kind", ErrorKind(err)).
		Int("upstream_status", HTTPStatus(err)).
		Bool("retryable", IsRetryable(err)).
		Msg("voice turn failed")
	o.cfg.Metrics.ObserveProviderError(stage, ErrorKind(err))

	o.mu.Lock()
	o.setStateLocked(StateFailed)
	o.mu.Unlock()

	o.cfg.Presenter.TurnFailed(context.WithoutCancel(ctx), res.TurnID, err)
	o.complete(ctx, res)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, res TurnResult, outcome Outcome) TurnResult {
	res.Outcome = outcome
	ev := o.logger(ctx, res.TurnID).Info().Str("outcome", string(outcome))
	if res.UserText != "" {
		ev = ev.Str("user_text", policy.LogPreview(res.UserText))
	}
	for stage, d := range res.Durations {
		ev = ev.Dur(stage, d)
	}
	ev.Msg("voice turn finished")
	o.complete(ctx, res)
	return res
}

// complete records the turn and returns the orchestrator to idle.
func (o *Orchestrator) complete(ctx context.Context, res TurnResult) {
	o.cfg.Metrics.ObserveTurn(string(res.Outcome))
	if o.cfg.TurnLog != nil {
		rec := turnlog.Record{
			SessionID:   o.cfg.SessionID,
			TurnID:      res.TurnID,
			Outcome:     string(res.Outcome),
			FailedStage: res.FailedStage,
			ErrorKind:   ErrorKind(res.Err),
			UserChars:   utf8.RuneCountInString(res.UserText),
			ReplyChars:  utf8.RuneCountInString(res.ReplyText),
			DurationsMS: make(map[string]int64, len(res.Durations)),
		}
		for stage, d := range res.Durations {
			rec.DurationsMS[stage] = d.Milliseconds()
		}
		if err := o.cfg.TurnLog.Save(context.WithoutCancel(ctx), rec); err != nil {
			o.logger(ctx, res.TurnID).Warn().Err(err).Msg("turn log save failed")
		}
	}

	o.mu.Lock()
	o.turnID = ""
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	if o.cfg.OnTurn != nil {
		o.cfg.OnTurn(res)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setStateLocked(s)
}

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	if o.cfg.OnState != nil {
		o.cfg.OnState(o.turnID, s)
	}
}

func (o *Orchestrator) logger(ctx context.Context, turnID string) *zerolog.Logger {
	l := observability.Logger(ctx).With().
		Str("session_id", o.cfg.SessionID).
		Str("turn_id", turnID).
		Logger()
	return &l
}
