// Package protocol defines the JSON messages exchanged on the turn websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeTurnState        MessageType = "turn_state"
	TypeSTTCommitted     MessageType = "stt_committed"
	TypeAssistantText    MessageType = "assistant_text"
	TypeAssistantAudio   MessageType = "assistant_audio"
	TypePresentation     MessageType = "presentation"
	TypeTurnEnd          MessageType = "turn_end"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions a client may send.
const (
	ActionStart         = "start"
	ActionStop          = "stop"
	ActionPlaybackEnded = "playback_ended"
	ActionAbort         = "abort"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries captured microphone audio as base64 PCM16LE mono.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
	// ClipID names the clip whose playback ended.
	ClipID string `json:"clip_id,omitempty"`
	TSMs   int64  `json:"ts_ms,omitempty"`
}

type TurnState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	State     string      `json:"state"`
}

type STTCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type AssistantText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type AssistantAudio struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	ClipID    string      `json:"clip_id"`
	URL       string      `json:"url"`
}

// Presentation tells the front end which sprite animation to show.
type Presentation struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Animation string      `json:"animation"`
}

type TurnEnd struct {
	Type        MessageType      `json:"type"`
	SessionID   string           `json:"session_id"`
	TurnID      string           `json:"turn_id"`
	Outcome     string           `json:"outcome"`
	FailedStage string           `json:"failed_stage,omitempty"`
	DurationsMS map[string]int64 `json:"durations_ms,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStart, ActionStop, ActionAbort:
		case ActionPlaybackEnded:
			if msg.ClipID == "" {
				return nil, errors.New("invalid client_control: playback_ended needs clip_id")
			}
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
