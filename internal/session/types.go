package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Label string `json:"label"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Label           string    `json:"label,omitempty"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// TranscriptResponse is the stored conversation of one session.
type TranscriptResponse struct {
	SessionID      string    `json:"session_id"`
	UserTurns      int       `json:"user_turns"`
	AssistantTurns int       `json:"assistant_turns"`
	Segments       []Segment `json:"segments"`
}

type Segment struct {
	Role string `json:"role"`
	Text string `json:"text"`
}
