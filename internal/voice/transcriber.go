package voice

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/alef/internal/audio"
)

// Transcriber buffers one captured utterance and turns it into text.
type Transcriber struct {
	rec      Recognizer
	language string

	mu         sync.Mutex
	capturing  bool
	buf        bytes.Buffer
	sampleRate int
}

func NewTranscriber(rec Recognizer, languageCode string) *Transcriber {
	if strings.TrimSpace(languageCode) == "" {
		languageCode = "ar-SA"
	}
	return &Transcriber{rec: rec, language: languageCode}
}

func (t *Transcriber) LanguageCode() string { return t.language }

// Start begins a new capture with an empty buffer.
func (t *Transcriber) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capturing {
		return fmt.Errorf("%w: start while capturing", ErrCallerSequence)
	}
	t.capturing = true
	t.buf.Reset()
	t.sampleRate = 0
	return nil
}

func (t *Transcriber) Capturing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capturing
}

// Write appends already-encoded audio bytes (for example a browser
// MediaRecorder blob) to the capture.
func (t *Transcriber) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.capturing {
		return 0, fmt.Errorf("%w: write without start", ErrCallerSequence)
	}
	return t.buf.Write(p)
}

// WritePCM appends raw PCM16LE mono samples. The clip is wrapped as WAV on
// Stop using the last sample rate seen.
func (t *Transcriber) WritePCM(pcm []byte, sampleRate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.capturing {
		return fmt.Errorf("%w: write without start", ErrCallerSequence)
	}
	if sampleRate > 0 {
		t.sampleRate = sampleRate
	}
	_, err := t.buf.Write(pcm)
	return err
}

// Discard ends the capture without transcribing.
func (t *Transcriber) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capturing = false
	t.buf.Reset()
}

// Stop finalizes the buffered audio into one clip and transcribes it. It is
// only valid after Start.
func (t *Transcriber) Stop(ctx context.Context) (string, error) {
	t.mu.Lock()
	if !t.capturing {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: stop without start", ErrCallerSequence)
	}
	t.capturing = false
	clip := bytes.Clone(t.buf.Bytes())
	rate := t.sampleRate
	t.buf.Reset()
	t.mu.Unlock()

	if rate > 0 && len(clip) > 0 && !audio.IsWAV(clip) {
		wav, err := audio.EncodeWAVPCM16LE(clip, rate)
		if err != nil {
			return "", fmt.Errorf("finalize capture: %w", err)
		}
		clip = wav
	}
	return t.TranscribeClip(ctx, clip)
}

// TranscribeClip submits one encoded clip and joins the recognized lines in
// result order. An empty clip yields an empty transcript.
func (t *Transcriber) TranscribeClip(ctx context.Context, clip []byte) (string, error) {
	if len(clip) == 0 {
		return "", nil
	}
	lines, err := t.rec.Recognize(ctx, clip, t.language)
	if err != nil {
		return "", withKind(ErrRecognition, "stt", err)
	}
	return strings.Join(lines, "\n"), nil
}
