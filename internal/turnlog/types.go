// Package turnlog records the outcome of every voice turn. Only outcomes,
// sizes and timings are kept; utterance text never leaves the process.
package turnlog

import (
	"context"
	"time"
)

type Record struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	TurnID      string           `json:"turn_id"`
	Outcome     string           `json:"outcome"`
	FailedStage string           `json:"failed_stage,omitempty"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	UserChars   int              `json:"user_chars"`
	ReplyChars  int              `json:"reply_chars"`
	DurationsMS map[string]int64 `json:"durations_ms,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Store persists turn records and returns them per session in chronological
// order.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

const defaultRecentLimit = 20
