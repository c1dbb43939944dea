package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/alef/internal/audio"
	"github.com/ent0n29/alef/internal/conversation"
	"github.com/ent0n29/alef/internal/turnlog"
)

const testPreamble = "<s> [INST]<<SYS>>\nYou are Alef.\n<</SYS>>\n\n"

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) IssueToken(context.Context) (string, error) { return s.token, s.err }

type scriptedRecognizer struct {
	mu    sync.Mutex
	lines []string
	err   error
	clips [][]byte
}

func (r *scriptedRecognizer) Recognize(_ context.Context, clip []byte, _ string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clips = append(r.clips, clip)
	return r.lines, r.err
}

func (r *scriptedRecognizer) set(lines []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines, r.err = lines, err
}

type scriptedCompleter struct {
	mu      sync.Mutex
	reply   func(prompt string) (string, error)
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, prompt string, _ GenerationParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	return c.reply(prompt)
}

func (c *scriptedCompleter) set(fn func(prompt string) (string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reply = fn
}

func (c *scriptedCompleter) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

type countingSpeech struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *countingSpeech) Synthesize(_ context.Context, text string, _ VoiceSettings) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return []byte("ID3" + text), nil
}

func (s *countingSpeech) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

// manualPresenter hands playback control to the test.
type manualPresenter struct {
	HeadlessPresenter
	playing chan *AudioResource
}

func (p *manualPresenter) Play(_ context.Context, res *AudioResource) error {
	p.playing <- res
	return nil
}

type turnFixture struct {
	conv      *conversation.Transcript
	rec       *scriptedRecognizer
	model     *scriptedCompleter
	speech    *countingSpeech
	presenter Presenter
	synth     *Synthesizer
	log       *turnlog.InMemoryStore
	orch      *Orchestrator

	mu     sync.Mutex
	states []State
}

func (f *turnFixture) observed() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

func newTurnFixture(t *testing.T, presenter Presenter, mutate ...func(*OrchestratorConfig)) *turnFixture {
	t.Helper()
	clips, err := audio.NewClipStore(t.TempDir(), "http://localhost:3000")
	require.NoError(t, err)

	f := &turnFixture{
		conv:      conversation.New(testPreamble),
		rec:       &scriptedRecognizer{lines: []string{"hello"}},
		model:     &scriptedCompleter{reply: func(string) (string, error) { return "hi there", nil }},
		speech:    &countingSpeech{},
		presenter: presenter,
		log:       turnlog.NewInMemoryStore(0),
	}
	f.synth = NewSynthesizer(f.speech, clips, VoiceSettings{VoiceID: "v", OutputFormat: "mp3_44100_128"})

	cfg := OrchestratorConfig{
		SessionID:    "s1",
		Conversation: f.conv,
		Transcriber:  NewTranscriber(f.rec, "ar-SA"),
		Replies:      NewReplyGenerator(staticTokens{token: "tok"}, f.model, GenerationParams{}),
		Synthesizer:  f.synth,
		Presenter:    presenter,
		StageTimeout: 5 * time.Second,
		TurnLog:      f.log,
		OnState: func(_ string, s State) {
			f.mu.Lock()
			f.states = append(f.states, s)
			f.mu.Unlock()
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.orch = NewOrchestrator(cfg)
	return f
}

func (f *turnFixture) runTurn(t *testing.T, clip string) (TurnResult, error) {
	t.Helper()
	require.NoError(t, f.orch.Start(context.Background()))
	_, err := f.orch.Write([]byte(clip))
	require.NoError(t, err)
	return f.orch.Stop(context.Background())
}

// stopAsync captures clip and runs Stop on another goroutine.
func (f *turnFixture) stopAsync(t *testing.T, clip string) <-chan TurnResult {
	t.Helper()
	require.NoError(t, f.orch.Start(context.Background()))
	_, err := f.orch.Write([]byte(clip))
	require.NoError(t, err)

	done := make(chan TurnResult, 1)
	go func() {
		res, _ := f.orch.Stop(context.Background())
		done <- res
	}()
	return done
}

// waitingCompleter blocks until its context ends and reports the context
// error the way the HTTP model client does.
type waitingCompleter struct {
	entered chan struct{}
}

func (c *waitingCompleter) Complete(ctx context.Context, _ string, _ string, _ GenerationParams) (string, error) {
	close(c.entered)
	<-ctx.Done()
	return "", &UpstreamError{Kind: ErrUpstream, Service: "watsonx", Err: ctx.Err()}
}

func withWaitingModel(c *waitingCompleter) func(*OrchestratorConfig) {
	return func(cfg *OrchestratorConfig) {
		cfg.Replies = NewReplyGenerator(staticTokens{token: "tok"}, c, GenerationParams{})
	}
}
