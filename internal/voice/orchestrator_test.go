package voice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ent0n29/alef/internal/conversation"
)

func TestStopWithoutStartIsCallerSequence(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})

	for i := 0; i < 3; i++ {
		_, err := f.orch.Stop(context.Background())
		require.ErrorIs(t, err, ErrCallerSequence)
	}

	require.Equal(t, StateIdle, f.orch.State())
	require.Empty(t, f.observed())
	require.Len(t, f.conv.Segments(), 1)
	require.Empty(t, f.rec.clips)
	require.Empty(t, f.model.calls())
}

func TestStartOnlyFromIdle(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	require.NoError(t, f.orch.Start(context.Background()))
	require.ErrorIs(t, f.orch.Start(context.Background()), ErrCallerSequence)
	require.Equal(t, StateCapturing, f.orch.State())
	require.NotEmpty(t, f.orch.TurnID())
}

func TestWriteOutsideCaptureIsRejected(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	_, err := f.orch.Write([]byte("x"))
	require.ErrorIs(t, err, ErrCallerSequence)
	require.ErrorIs(t, f.orch.WritePCM([]byte{0, 0}, 16000), ErrCallerSequence)
}

func TestTurnCompletesEndToEnd(t *testing.T) {
	p := &HeadlessPresenter{}
	f := newTurnFixture(t, p)
	f.model.set(func(prompt string) (string, error) {
		require.True(t, strings.HasSuffix(prompt, "[INST] hello [/INST]"), prompt)
		return "hi there", nil
	})

	res, err := f.runTurn(t, "RIFF....WAVEclip")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "hello", res.UserText)
	require.Equal(t, "hi there", res.ReplyText)
	require.NotNil(t, res.Resource)
	require.Equal(t, PlaybackFinished, res.Resource.State())
	require.True(t, strings.HasPrefix(res.Resource.URL, "http://localhost:3000/audio/clip_"))

	require.Equal(t, StateIdle, f.orch.State())
	require.Equal(t, []State{StateCapturing, StateTranscribing, StateGenerating, StateSynthesizing, StatePlaying, StateIdle}, f.observed())
	require.Equal(t, []string{"Animation 2", "Animation 1"}, p.Animations())
	require.Equal(t, []string{res.Resource.ID}, p.Played())

	require.Equal(t, []conversation.Segment{
		{Role: conversation.RoleSystem, Text: testPreamble},
		{Role: conversation.RoleUser, Text: "hello"},
		{Role: conversation.RoleAssistant, Text: "hi there"},
	}, f.conv.Segments())

	recs, err := f.log.Recent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "completed", recs[0].Outcome)
	require.Equal(t, 5, recs[0].UserChars)
	require.Contains(t, recs[0].DurationsMS, StageGenerate)
}

func TestModelFailureEndsTurnWithoutSynthesis(t *testing.T) {
	p := &HeadlessPresenter{}
	f := newTurnFixture(t, p)
	f.model.set(func(string) (string, error) {
		return "", &UpstreamError{Kind: ErrUpstream, Service: "watsonx", Status: 500, Retryable: true}
	})

	res, err := f.runTurn(t, "clip")
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, StageGenerate, res.FailedStage)
	require.Nil(t, res.Resource)

	states := f.observed()
	require.Equal(t, []State{StateCapturing, StateTranscribing, StateGenerating, StateFailed, StateIdle}, states)
	require.Zero(t, f.speech.count())
	require.Nil(t, f.synth.Current())
	require.Empty(t, p.Played())
	require.Len(t, p.Failures(), 1)

	recs, err := f.log.Recent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Equal(t, "failed", recs[0].Outcome)
	require.Equal(t, "generate", recs[0].FailedStage)
	require.Equal(t, "upstream", recs[0].ErrorKind)
}

func TestConsecutiveTurnsCarryHistory(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	replies := []string{"hi there", "I am Alef"}
	f.model.set(func(string) (string, error) {
		r := replies[0]
		replies = replies[1:]
		return r, nil
	})

	_, err := f.runTurn(t, "clip1")
	require.NoError(t, err)
	f.rec.set([]string{"who are you"}, nil)
	_, err = f.runTurn(t, "clip2")
	require.NoError(t, err)

	users, assistants := f.conv.Counts()
	require.Equal(t, 2, users)
	require.Equal(t, 2, assistants)

	prompts := f.model.calls()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "[INST] hello [/INST] hi there")
	require.True(t, strings.HasSuffix(prompts[1], "[INST] who are you [/INST]"))

	segs := f.conv.Segments()
	require.Equal(t, []string{testPreamble, "hello", "hi there", "who are you", "I am Alef"},
		[]string{segs[0].Text, segs[1].Text, segs[2].Text, segs[3].Text, segs[4].Text})
}

func TestFailedTurnDoesNotPoisonNextTurn(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	f.model.set(func(string) (string, error) {
		return "", &UpstreamError{Kind: ErrUpstream, Service: "watsonx", Status: 503}
	})
	_, err := f.runTurn(t, "clip1")
	require.Error(t, err)

	f.model.set(func(string) (string, error) { return "welcome back", nil })
	f.rec.set([]string{"again"}, nil)
	res, err := f.runTurn(t, "clip2")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	segs := f.conv.Segments()
	require.Len(t, segs, 4)
	require.Equal(t, conversation.Segment{Role: conversation.RoleUser, Text: "hello"}, segs[1])
	require.Equal(t, conversation.Segment{Role: conversation.RoleUser, Text: "again"}, segs[2])
	require.Equal(t, conversation.Segment{Role: conversation.RoleAssistant, Text: "welcome back"}, segs[3])
}

func TestEmptyTranscriptionSkipsModel(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	f.rec.set(nil, nil)

	res, err := f.runTurn(t, "silence")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoSpeech, res.Outcome)
	require.Empty(t, f.model.calls())
	require.Equal(t, StateIdle, f.orch.State())
}

func TestEmptyReplySkipsSynthesis(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	f.model.set(func(string) (string, error) { return "", nil })

	res, err := f.runTurn(t, "clip")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoReply, res.Outcome)
	require.ErrorIs(t, res.Err, ErrEmptyReply)
	require.Zero(t, f.speech.count())
	users, assistants := f.conv.Counts()
	require.Equal(t, 1, users)
	require.Zero(t, assistants)
}

func TestRecognitionFailureIsReported(t *testing.T) {
	p := &HeadlessPresenter{}
	f := newTurnFixture(t, p)
	f.rec.set(nil, &UpstreamError{Kind: ErrRecognition, Service: "google-stt", Status: 400})

	res, err := f.runTurn(t, "clip")
	require.ErrorIs(t, err, ErrRecognition)
	require.Equal(t, StageTranscribe, res.FailedStage)
	require.Empty(t, f.model.calls())
	require.Len(t, f.conv.Segments(), 1)
	require.Len(t, p.Failures(), 1)
	require.Equal(t, StateIdle, f.orch.State())
}

func TestClientReportedPlaybackEnd(t *testing.T) {
	p := &manualPresenter{playing: make(chan *AudioResource, 1)}
	f := newTurnFixture(t, p)

	done := f.stopAsync(t, "clip")

	res := <-p.playing
	require.Equal(t, StatePlaying, f.orch.State())
	require.ErrorIs(t, f.orch.Start(context.Background()), ErrCallerSequence)
	require.True(t, f.synth.Finish(res.ID))

	out := <-done
	require.Equal(t, OutcomeCompleted, out.Outcome)
	require.Equal(t, StateIdle, f.orch.State())
}

func TestPlaybackTimeoutStopsClip(t *testing.T) {
	p := &manualPresenter{playing: make(chan *AudioResource, 1)}
	f := newTurnFixture(t, p, func(c *OrchestratorConfig) { c.PlaybackTimeout = 20 * time.Millisecond })

	res, err := f.runTurn(t, "clip")
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, res.Outcome)
	require.Equal(t, PlaybackStopped, res.Resource.State())
	require.Equal(t, []string{"Animation 2", "Animation 1"}, p.Animations())
}

func TestAbortDuringPlayback(t *testing.T) {
	p := &manualPresenter{playing: make(chan *AudioResource, 1)}
	f := newTurnFixture(t, p)

	done := f.stopAsync(t, "clip")
	<-p.playing
	f.orch.Abort()

	out := <-done
	require.Equal(t, OutcomeInterrupted, out.Outcome)
	require.Equal(t, StateIdle, f.orch.State())
}

func TestAbortDuringGenerationIsInterruption(t *testing.T) {
	p := &HeadlessPresenter{}
	model := &waitingCompleter{entered: make(chan struct{})}
	f := newTurnFixture(t, p, withWaitingModel(model))

	require.NoError(t, f.orch.Start(context.Background()))
	_, err := f.orch.Write([]byte("clip"))
	require.NoError(t, err)
	type stopped struct {
		res TurnResult
		err error
	}
	done := make(chan stopped, 1)
	go func() {
		res, err := f.orch.Stop(context.Background())
		done <- stopped{res, err}
	}()

	<-model.entered
	f.orch.Abort()

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, OutcomeInterrupted, out.res.Outcome)
	require.Empty(t, out.res.FailedStage)
	require.Equal(t, "canceled", ErrorKind(out.res.Err))
	require.Empty(t, p.Failures())
	require.Zero(t, f.speech.count())
	require.Equal(t, StateIdle, f.orch.State())
	require.NotContains(t, f.observed(), StateFailed)

	recs, err := f.log.Recent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Equal(t, "interrupted", recs[0].Outcome)
	require.Equal(t, "canceled", recs[0].ErrorKind)
}

func TestStageTimeoutIsRetryableFailure(t *testing.T) {
	p := &HeadlessPresenter{}
	model := &waitingCompleter{entered: make(chan struct{})}
	f := newTurnFixture(t, p, withWaitingModel(model), func(c *OrchestratorConfig) {
		c.StageTimeout = 50 * time.Millisecond
	})

	res, err := f.runTurn(t, "clip")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, StageGenerate, res.FailedStage)
	require.Equal(t, "timeout", ErrorKind(err))
	require.True(t, IsRetryable(err))
	require.Len(t, p.Failures(), 1)

	recs, err := f.log.Recent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Equal(t, "timeout", recs[0].ErrorKind)
}

func TestAbortDuringCaptureDiscards(t *testing.T) {
	f := newTurnFixture(t, &HeadlessPresenter{})
	require.NoError(t, f.orch.Start(context.Background()))
	f.orch.Abort()
	require.Equal(t, StateIdle, f.orch.State())
	_, err := f.orch.Stop(context.Background())
	require.ErrorIs(t, err, ErrCallerSequence)
}

func TestTurnEmitsSpanPerStage(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newTurnFixture(t, &HeadlessPresenter{})
	_, err := f.runTurn(t, "clip")
	require.NoError(t, err)

	names := make([]string, 0)
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	require.ElementsMatch(t, []string{"voice.transcribe", "voice.generate", "voice.synthesize", "voice.playback", "voice.turn"}, names)
}
