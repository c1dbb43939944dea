package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/alef/internal/audio"
)

type PlaybackState string

const (
	PlaybackReady    PlaybackState = "ready"
	PlaybackPlaying  PlaybackState = "playing"
	PlaybackFinished PlaybackState = "finished"
	PlaybackStopped  PlaybackState = "stopped"
)

// PlaybackObserver sees every playback state transition of every resource
// handed out by a Synthesizer.
type PlaybackObserver func(res *AudioResource, state PlaybackState)

// AudioResource is one synthesized reply and its playback lifecycle. Done is
// closed exactly once, when playback finishes or the resource is stopped.
type AudioResource struct {
	ID   string
	URL  string
	Name string
	Text string

	mu      sync.Mutex
	state   PlaybackState
	done    chan struct{}
	observe PlaybackObserver
}

func newAudioResource(clip audio.Clip, text string, observe PlaybackObserver) *AudioResource {
	return &AudioResource{
		ID:      clip.ID,
		URL:     clip.URL,
		Name:    clip.Name,
		Text:    text,
		state:   PlaybackReady,
		done:    make(chan struct{}),
		observe: observe,
	}
}

func (r *AudioResource) Done() <-chan struct{} { return r.done }

func (r *AudioResource) State() PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Finish marks natural end of playback. It reports whether the call changed
// the state.
func (r *AudioResource) Finish() bool { return r.end(PlaybackFinished) }

// Stop halts playback and releases the resource.
func (r *AudioResource) Stop() bool { return r.end(PlaybackStopped) }

func (r *AudioResource) markPlaying() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PlaybackReady {
		return
	}
	r.transition(PlaybackPlaying)
}

func (r *AudioResource) end(state PlaybackState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == PlaybackFinished || r.state == PlaybackStopped {
		return false
	}
	r.transition(state)
	close(r.done)
	return true
}

func (r *AudioResource) transition(state PlaybackState) {
	r.state = state
	if r.observe != nil {
		r.observe(r, state)
	}
}

// Synthesizer turns reply text into a stored clip and owns the single
// playback slot: starting a new resource stops the one currently playing
// before the new one is marked playing.
type Synthesizer struct {
	svc     SpeechSynthesizer
	clips   *audio.ClipStore
	voice   VoiceSettings
	observe PlaybackObserver

	mu      sync.Mutex
	current *AudioResource
}

type SynthesizerOption func(*Synthesizer)

func WithPlaybackObserver(fn PlaybackObserver) SynthesizerOption {
	return func(s *Synthesizer) { s.observe = fn }
}

func NewSynthesizer(svc SpeechSynthesizer, clips *audio.ClipStore, voice VoiceSettings, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{svc: svc, clips: clips, voice: voice}
	for _, o := range opts {
		o(s)
	}
	return s
}

var errEmptyAudio = errors.New("no audio returned")

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*AudioResource, error) {
	data, err := s.svc.Synthesize(ctx, text, s.voice)
	if err != nil {
		return nil, withKind(ErrSynthesis, "tts", err)
	}
	if len(data) == 0 {
		return nil, withKind(ErrSynthesis, "tts", errEmptyAudio)
	}
	clip, err := s.clips.Save(data, s.voice.OutputFormat)
	if err != nil {
		return nil, withKind(ErrSynthesis, "clipstore", err)
	}

	res := newAudioResource(clip, text, s.observe)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Stop()
	}
	s.current = res
	res.markPlaying()
	return res, nil
}

// Current returns the resource occupying the slot, if any.
func (s *Synthesizer) Current() *AudioResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Finish reports natural end of playback for the resource with id. Reports
// from superseded resources are ignored.
func (s *Synthesizer) Finish(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != id {
		return false
	}
	return s.current.Finish()
}

func (s *Synthesizer) StopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Stop()
	}
}
