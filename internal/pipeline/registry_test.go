package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/alef/internal/audio"
	"github.com/ent0n29/alef/internal/persona"
	"github.com/ent0n29/alef/internal/session"
	"github.com/ent0n29/alef/internal/turnlog"
	"github.com/ent0n29/alef/internal/voice"
)

type fixture struct {
	reg      *Registry
	mock     *voice.MockProvider
	sessions *session.Manager
	turns    *turnlog.InMemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	p, err := persona.Default()
	require.NoError(t, err)
	clips, err := audio.NewClipStore(t.TempDir(), "http://localhost:3000")
	require.NoError(t, err)

	mock := voice.NewMockProvider()
	sessions := session.NewManager(time.Minute, p.NewTranscript)
	turns := turnlog.NewInMemoryStore(0)
	reg := New(Config{
		Persona:         p,
		VoiceID:         "voice-1",
		Clips:           clips,
		Sessions:        sessions,
		TurnLog:         turns,
		StageTimeout:    time.Second,
		PlaybackTimeout: time.Second,
	}, Providers{Tokens: mock, Model: mock, Recognizer: mock, Speech: mock})
	return fixture{reg: reg, mock: mock, sessions: sessions, turns: turns}
}

func TestReplyAccumulatesOnDefaultSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.reg.Reply(ctx, "", "hello", "")
	require.NoError(t, err)
	require.Equal(t, f.mock.Reply, reply)

	_, err = f.reg.Reply(ctx, session.DefaultID, "again", "caller-token")
	require.NoError(t, err)

	prompts := f.mock.Prompts()
	require.Len(t, prompts, 2)
	require.True(t, strings.HasPrefix(prompts[1], prompts[0]), "second prompt must extend the first")
	require.Contains(t, prompts[1], "[INST] again [/INST]")

	users, assistants := f.sessions.Default().Conversation.Counts()
	require.Equal(t, 2, users)
	require.Equal(t, 2, assistants)
}

func TestReplyEmptyKeepsUserSegmentOnly(t *testing.T) {
	f := newFixture(t)
	f.mock.Reply = ""

	_, err := f.reg.Reply(context.Background(), "", "hello", "")
	require.ErrorIs(t, err, voice.ErrEmptyReply)

	users, assistants := f.sessions.Default().Conversation.Counts()
	require.Equal(t, 1, users)
	require.Equal(t, 0, assistants)
}

func TestReplyUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Reply(context.Background(), "nope", "hello", "")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSpeakStopsPreviousClipInSameSessionOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.sessions.Create("other")

	first, err := f.reg.Speak(ctx, "", "one")
	require.NoError(t, err)
	elsewhere, err := f.reg.Speak(ctx, other.ID, "two")
	require.NoError(t, err)
	second, err := f.reg.Speak(ctx, "", "three")
	require.NoError(t, err)

	require.Equal(t, voice.PlaybackStopped, first.State())
	require.Equal(t, voice.PlaybackPlaying, second.State())
	require.Equal(t, voice.PlaybackPlaying, elsewhere.State())
	require.True(t, strings.HasSuffix(second.URL, ".mp3"))

	f.reg.Forget(other.ID)
	require.Equal(t, voice.PlaybackStopped, elsewhere.State())
}

func TestTranscribeEmptyClip(t *testing.T) {
	f := newFixture(t)
	text, err := f.reg.Transcribe(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, text)

	text, err = f.reg.Transcribe(context.Background(), []byte("clip"))
	require.NoError(t, err)
	require.Equal(t, f.mock.Transcript[0], text)
}

func TestAttachIsExclusivePerSession(t *testing.T) {
	f := newFixture(t)

	_, release, err := f.reg.Attach("", Binding{Presenter: &voice.HeadlessPresenter{}})
	require.NoError(t, err)

	_, _, err = f.reg.Attach(session.DefaultID, Binding{Presenter: &voice.HeadlessPresenter{}})
	require.ErrorIs(t, err, ErrSessionBusy)

	release()
	release()
	_, release2, err := f.reg.Attach("", Binding{Presenter: &voice.HeadlessPresenter{}})
	require.NoError(t, err)
	release2()
}

func TestRunClipRecordsTurn(t *testing.T) {
	f := newFixture(t)
	presenter := &voice.HeadlessPresenter{}

	res, err := f.reg.RunClip(context.Background(), "", []byte("RIFF....WAVEdata"), presenter)
	require.NoError(t, err)
	require.Equal(t, voice.OutcomeCompleted, res.Outcome)
	require.Equal(t, f.mock.Reply, res.ReplyText)
	require.Equal(t, []string{"Animation 2", "Animation 1"}, presenter.Animations())

	sess := f.sessions.Default()
	require.Equal(t, 1, sess.TurnCount)
	require.Equal(t, string(voice.OutcomeCompleted), sess.LastOutcome)
	require.Empty(t, sess.ActiveTurnID)

	records, err := f.turns.Recent(context.Background(), session.DefaultID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, res.TurnID, records[0].TurnID)
}
