// Package pipeline binds the voice building blocks to sessions: every
// session gets its own playback slot, and at most one orchestrator may drive
// a session at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/alef/internal/audio"
	"github.com/ent0n29/alef/internal/observability"
	"github.com/ent0n29/alef/internal/persona"
	"github.com/ent0n29/alef/internal/session"
	"github.com/ent0n29/alef/internal/turnlog"
	"github.com/ent0n29/alef/internal/voice"
)

var ErrSessionBusy = errors.New("session already has a connected turn driver")

// Providers are the upstream services a turn talks to.
type Providers struct {
	Tokens     voice.TokenIssuer
	Model      voice.Completer
	Recognizer voice.Recognizer
	Speech     voice.SpeechSynthesizer
}

type Config struct {
	Persona  *persona.Persona
	VoiceID  string
	Clips    *audio.ClipStore
	Sessions *session.Manager
	TurnLog  turnlog.Store
	Metrics  *observability.Metrics

	StageTimeout    time.Duration
	PlaybackTimeout time.Duration
}

// Registry owns the per-session synthesizers and the shared stateless
// pieces (reply generator, one-shot transcriber).
type Registry struct {
	cfg       Config
	providers Providers
	replies   *voice.ReplyGenerator
	oneShot   *voice.Transcriber

	mu       sync.Mutex
	slots    map[string]*voice.Synthesizer
	attached map[string]bool
}

func New(cfg Config, providers Providers) *Registry {
	return &Registry{
		cfg:       cfg,
		providers: providers,
		replies:   voice.NewReplyGenerator(providers.Tokens, providers.Model, cfg.Persona.GenerationParams()),
		oneShot:   voice.NewTranscriber(providers.Recognizer, cfg.Persona.LanguageCode),
		slots:     make(map[string]*voice.Synthesizer),
		attached:  make(map[string]bool),
	}
}

func (r *Registry) Sessions() *session.Manager { return r.cfg.Sessions }

func (r *Registry) TurnLog() turnlog.Store { return r.cfg.TurnLog }

// IssueToken fetches a fresh model credential.
func (r *Registry) IssueToken(ctx context.Context) (string, error) {
	token, err := r.providers.Tokens.IssueToken(ctx)
	if err != nil {
		r.cfg.Metrics.ObserveProviderError("token", voice.ErrorKind(err))
		return "", err
	}
	return token, nil
}

// Reply runs one exchange on the session's conversation. An empty token
// means a fresh credential is issued first.
func (r *Registry) Reply(ctx context.Context, sessionID, prompt, token string) (string, error) {
	sess, err := r.cfg.Sessions.Resolve(sessionID)
	if err != nil {
		return "", err
	}
	_ = r.cfg.Sessions.Touch(sess.ID)

	start := time.Now()
	var reply string
	if token == "" {
		reply, err = r.replies.Generate(ctx, sess.Conversation, prompt)
	} else {
		reply, err = r.replies.GenerateWithToken(ctx, sess.Conversation, prompt, token)
	}
	r.cfg.Metrics.ObserveStage(voice.StageGenerate, time.Since(start))
	if err != nil && !errors.Is(err, voice.ErrEmptyReply) {
		r.cfg.Metrics.ObserveProviderError(voice.StageGenerate, voice.ErrorKind(err))
	}
	return reply, err
}

// Speak synthesizes text into the session's playback slot, stopping any clip
// that slot was playing.
func (r *Registry) Speak(ctx context.Context, sessionID, text string) (*voice.AudioResource, error) {
	sess, err := r.cfg.Sessions.Resolve(sessionID)
	if err != nil {
		return nil, err
	}
	_ = r.cfg.Sessions.Touch(sess.ID)

	start := time.Now()
	res, err := r.Synthesizer(sess.ID).Synthesize(ctx, text)
	r.cfg.Metrics.ObserveStage(voice.StageSynthesize, time.Since(start))
	if err != nil {
		r.cfg.Metrics.ObserveProviderError(voice.StageSynthesize, voice.ErrorKind(err))
		return nil, err
	}
	return res, nil
}

// Transcribe recognizes one uploaded clip outside any turn.
func (r *Registry) Transcribe(ctx context.Context, clip []byte) (string, error) {
	start := time.Now()
	text, err := r.oneShot.TranscribeClip(ctx, clip)
	r.cfg.Metrics.ObserveStage(voice.StageTranscribe, time.Since(start))
	if err != nil {
		r.cfg.Metrics.ObserveProviderError(voice.StageTranscribe, voice.ErrorKind(err))
	}
	return text, err
}

// Synthesizer returns the session's playback slot, creating it on first use.
func (r *Registry) Synthesizer(sessionID string) *voice.Synthesizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[sessionID]; ok {
		return s
	}
	s := voice.NewSynthesizer(
		r.providers.Speech,
		r.cfg.Clips,
		r.cfg.Persona.VoiceSettings(r.cfg.VoiceID),
		voice.WithPlaybackObserver(func(res *voice.AudioResource, state voice.PlaybackState) {
			observability.Logger(context.Background()).Debug().
				Str("session_id", sessionID).
				Str("clip_id", res.ID).
				Str("playback", string(state)).
				Msg("playback state changed")
		}),
	)
	r.slots[sessionID] = s
	return s
}

// Forget stops the session's playback and drops its slot.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	s, ok := r.slots[sessionID]
	delete(r.slots, sessionID)
	r.mu.Unlock()
	if ok {
		s.StopCurrent()
	}
}

// Binding is the per-connection hooks an orchestrator reports to.
type Binding struct {
	Presenter voice.Presenter
	OnState   voice.StateListener
	OnTurn    func(voice.TurnResult)
}

// Attach builds an orchestrator for the session. The returned release func
// must be called once the caller stops driving the session; a second Attach
// before that fails with ErrSessionBusy.
func (r *Registry) Attach(sessionID string, b Binding) (*voice.Orchestrator, func(), error) {
	sess, err := r.cfg.Sessions.Resolve(sessionID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if r.attached[sess.ID] {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionBusy, sess.ID)
	}
	r.attached[sess.ID] = true
	r.mu.Unlock()

	sessions := r.cfg.Sessions
	orch := voice.NewOrchestrator(voice.OrchestratorConfig{
		SessionID:       sess.ID,
		Conversation:    sess.Conversation,
		Transcriber:     voice.NewTranscriber(r.providers.Recognizer, r.cfg.Persona.LanguageCode),
		Replies:         r.replies,
		Synthesizer:     r.Synthesizer(sess.ID),
		Presenter:       b.Presenter,
		Animations:      r.cfg.Persona.OrchestratorAnimations(),
		StageTimeout:    r.cfg.StageTimeout,
		PlaybackTimeout: r.cfg.PlaybackTimeout,
		TurnLog:         r.cfg.TurnLog,
		Metrics:         r.cfg.Metrics,
		OnState: func(turnID string, state voice.State) {
			if state == voice.StateCapturing {
				_ = sessions.StartTurn(sess.ID, turnID)
			}
			if b.OnState != nil {
				b.OnState(turnID, state)
			}
		},
		OnTurn: func(res voice.TurnResult) {
			_ = sessions.RecordTurn(sess.ID, string(res.Outcome), res.Outcome == voice.OutcomeFailed)
			if b.OnTurn != nil {
				b.OnTurn(res)
			}
		},
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			orch.Abort()
			r.mu.Lock()
			delete(r.attached, sess.ID)
			r.mu.Unlock()
		})
	}
	return orch, release, nil
}

// RunClip drives one complete turn over an already recorded clip, with
// presenter standing in for the front end.
func (r *Registry) RunClip(ctx context.Context, sessionID string, clip []byte, presenter voice.Presenter) (voice.TurnResult, error) {
	orch, release, err := r.Attach(sessionID, Binding{Presenter: presenter})
	if err != nil {
		return voice.TurnResult{}, err
	}
	defer release()

	if err := orch.Start(ctx); err != nil {
		return voice.TurnResult{}, err
	}
	if _, err := orch.Write(clip); err != nil {
		return voice.TurnResult{}, err
	}
	return orch.Stop(ctx)
}
