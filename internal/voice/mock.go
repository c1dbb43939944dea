package voice

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a local fallback used when VOICE_PROVIDER=mock. It stands
// in for every upstream: credential issuance, recognition, the language
// model and synthesis.
type MockProvider struct {
	Transcript []string
	Reply      string

	mu      sync.Mutex
	prompts []string
	spoken  []string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Transcript: []string{"مرحبا يا ألف"},
		Reply:      "أهلا بك يا صديقي! أنا حرف الألف.",
	}
}

func (p *MockProvider) IssueToken(context.Context) (string, error) {
	return "mock-token", nil
}

func (p *MockProvider) Recognize(_ context.Context, clip []byte, _ string) ([]string, error) {
	if len(clip) == 0 {
		return nil, nil
	}
	return append([]string(nil), p.Transcript...), nil
}

func (p *MockProvider) Complete(_ context.Context, _ string, prompt string, _ GenerationParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	return p.Reply, nil
}

// Synthesize returns the text bytes as stand-in audio.
func (p *MockProvider) Synthesize(_ context.Context, text string, _ VoiceSettings) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spoken = append(p.spoken, text)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []byte(text), nil
}

// Prompts returns every prompt sent to Complete, oldest first.
func (p *MockProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

func (p *MockProvider) Spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.spoken...)
}

// HeadlessPresenter plays nothing: every clip counts as fully played as soon
// as it is handed over. Used by the CLI turn command.
type HeadlessPresenter struct {
	mu         sync.Mutex
	animations []string
	played     []string
	failures   []error
}

func (p *HeadlessPresenter) SetAnimation(_ context.Context, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.animations = append(p.animations, name)
}

func (p *HeadlessPresenter) Play(_ context.Context, res *AudioResource) error {
	p.mu.Lock()
	p.played = append(p.played, res.ID)
	p.mu.Unlock()
	res.Finish()
	return nil
}

func (p *HeadlessPresenter) TurnFailed(_ context.Context, _ string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

func (p *HeadlessPresenter) Animations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.animations...)
}

func (p *HeadlessPresenter) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func (p *HeadlessPresenter) Failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}
