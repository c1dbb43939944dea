package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/alef/internal/pipeline"
	"github.com/ent0n29/alef/internal/protocol"
	"github.com/ent0n29/alef/internal/voice"
)

// turnConn is one websocket driving a session's orchestrator. All writes go
// through out so the socket has a single writer.
type turnConn struct {
	ctx       context.Context
	sessionID string
	out       chan any

	mu     sync.Mutex
	turnID string
}

func (c *turnConn) send(msg any) {
	select {
	case <-c.ctx.Done():
	case c.out <- msg:
	}
}

func (c *turnConn) currentTurn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

func (c *turnConn) onState(turnID string, state voice.State) {
	c.mu.Lock()
	if turnID != "" {
		c.turnID = turnID
	}
	id := c.turnID
	c.mu.Unlock()

	// Called under the orchestrator lock: queue without blocking.
	msg := protocol.TurnState{
		Type:      protocol.TypeTurnState,
		SessionID: c.sessionID,
		TurnID:    id,
		State:     string(state),
	}
	select {
	case c.out <- msg:
	default:
		log.Warn().Str("session_id", c.sessionID).Str("state", string(state)).Msg("turn_state dropped, outbound queue full")
	}
}

func (c *turnConn) onTurn(res voice.TurnResult) {
	if res.UserText != "" {
		c.send(protocol.STTCommitted{
			Type:      protocol.TypeSTTCommitted,
			SessionID: c.sessionID,
			TurnID:    res.TurnID,
			Text:      res.UserText,
		})
	}
	end := protocol.TurnEnd{
		Type:        protocol.TypeTurnEnd,
		SessionID:   c.sessionID,
		TurnID:      res.TurnID,
		Outcome:     string(res.Outcome),
		FailedStage: res.FailedStage,
		DurationsMS: make(map[string]int64, len(res.Durations)),
	}
	for stage, d := range res.Durations {
		end.DurationsMS[stage] = d.Milliseconds()
	}
	c.send(end)
}

func (c *turnConn) SetAnimation(_ context.Context, name string) {
	c.send(protocol.Presentation{
		Type:      protocol.TypePresentation,
		SessionID: c.sessionID,
		Animation: name,
	})
}

func (c *turnConn) Play(_ context.Context, res *voice.AudioResource) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	turnID := c.currentTurn()
	c.send(protocol.AssistantText{
		Type:      protocol.TypeAssistantText,
		SessionID: c.sessionID,
		TurnID:    turnID,
		Text:      res.Text,
	})
	c.send(protocol.AssistantAudio{
		Type:      protocol.TypeAssistantAudio,
		SessionID: c.sessionID,
		TurnID:    turnID,
		ClipID:    res.ID,
		URL:       res.URL,
	})
	return nil
}

func (c *turnConn) TurnFailed(_ context.Context, turnID string, err error) {
	c.send(errorEvent(c.sessionID, turnID, err))
}

func errorEvent(sessionID, turnID string, err error) protocol.ErrorEvent {
	source := "gateway"
	var ue *voice.UpstreamError
	if errors.As(err, &ue) && ue.Service != "" {
		source = ue.Service
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		TurnID:    turnID,
		Code:      voice.ErrorKind(err),
		Source:    source,
		Retryable: voice.IsRetryable(err),
		Detail:    err.Error(),
	}
}

func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	sess, err := s.sessions.Resolve(sessionID)
	if err != nil {
		status, code := sessionErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	tc := &turnConn{ctx: ctx, sessionID: sess.ID, out: make(chan any, 64)}
	orch, release, err := s.pipelines.Attach(sess.ID, pipeline.Binding{
		Presenter: tc,
		OnState:   tc.onState,
		OnTurn:    tc.onTurn,
	})
	if err != nil {
		status, code := sessionErrorStatus(err)
		if status == 0 {
			status, code = http.StatusInternalServerError, "attach_failed"
		}
		respondError(w, status, code, err.Error())
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected", s.sessions.ActiveCount())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-tc.out:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	var turns sync.WaitGroup
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			tc.send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sess.ID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		_ = s.sessions.Touch(sess.ID)

		switch m := parsed.(type) {
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
			if err != nil {
				tc.send(errorEvent(sess.ID, tc.currentTurn(), err))
				continue
			}
			if err := orch.WritePCM(pcm, m.SampleRate); err != nil {
				tc.send(errorEvent(sess.ID, tc.currentTurn(), err))
			}
		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionStart:
				if err := orch.Start(ctx); err != nil {
					tc.send(errorEvent(sess.ID, tc.currentTurn(), err))
				}
			case protocol.ActionStop:
				if orch.State() != voice.StateCapturing {
					tc.send(errorEvent(sess.ID, tc.currentTurn(), errors.New("stop without a capture in progress")))
					continue
				}
				turns.Add(1)
				go func() {
					defer turns.Done()
					_, err := orch.Stop(ctx)
					if errors.Is(err, voice.ErrCallerSequence) {
						tc.send(errorEvent(sess.ID, "", err))
					}
				}()
			case protocol.ActionPlaybackEnded:
				s.pipelines.Synthesizer(sess.ID).Finish(m.ClipID)
			case protocol.ActionAbort:
				orch.Abort()
			}
		}
	}

	cancel()
	release()
	turns.Wait()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected", s.sessions.ActiveCount())
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnState:
		return m.Type, true
	case protocol.STTCommitted:
		return m.Type, true
	case protocol.AssistantText:
		return m.Type, true
	case protocol.AssistantAudio:
		return m.Type, true
	case protocol.Presentation:
		return m.Type, true
	case protocol.TurnEnd:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
