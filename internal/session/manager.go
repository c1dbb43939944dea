package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/alef/internal/conversation"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// DefaultID names the session every request without a session id shares. It
// never expires and cannot be ended.
const DefaultID = "default"

var (
	ErrNotFound  = errors.New("session not found")
	ErrEnded     = errors.New("session ended")
	ErrPermanent = errors.New("default session cannot be ended")
)

// Session is a snapshot of one conversation's bookkeeping. Conversation is
// shared, not copied.
type Session struct {
	ID             string    `json:"session_id"`
	Label          string    `json:"label,omitempty"`
	Status         Status    `json:"status"`
	ActiveTurnID   string    `json:"active_turn_id,omitempty"`
	TurnCount      int       `json:"turn_count"`
	FailedTurns    int       `json:"failed_turns"`
	LastOutcome    string    `json:"last_outcome,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	Conversation *conversation.Transcript `json:"-"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	newTranscript     func() *conversation.Transcript
	onExpire          func(*Session)
}

// NewManager creates the registry with its default session already in place.
// newTranscript seeds every session's conversation.
func NewManager(inactivityTimeout time.Duration, newTranscript func() *conversation.Transcript) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if newTranscript == nil {
		newTranscript = func() *conversation.Transcript { return conversation.New("") }
	}
	m := &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		newTranscript:     newTranscript,
	}
	m.sessions[DefaultID] = m.newSession(DefaultID, "")
	return m
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) newSession(id, label string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Label:          label,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
		Conversation:   m.newTranscript(),
	}
}

func (m *Manager) Create(label string) *Session {
	s := m.newSession(uuid.NewString(), label)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Default() *Session {
	s, _ := m.Get(DefaultID)
	return s
}

// Resolve returns the active session for id; an empty id means the default
// session.
func (m *Manager) Resolve(sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = DefaultID
	}
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	return s, nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) { s.ActiveTurnID = turnID })
}

// RecordTurn closes the active turn and counts its outcome.
func (m *Manager) RecordTurn(sessionID, outcome string, failed bool) error {
	return m.update(sessionID, func(s *Session) {
		s.ActiveTurnID = ""
		s.TurnCount++
		s.LastOutcome = outcome
		if failed {
			s.FailedTurns++
		}
	})
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	if sessionID == DefaultID {
		return nil, ErrPermanent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle sessions and forgets sessions that have been
// ended for a full timeout period.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if id == DefaultID || s.ActiveTurnID != "" {
			continue
		}
		idle := now.Sub(s.LastActivityAt)
		if s.Status == StatusEnded {
			if idle >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if idle < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}

// Transcript renders the session's conversation for the HTTP surface.
func (s *Session) Transcript() TranscriptResponse {
	users, assistants := s.Conversation.Counts()
	segs := s.Conversation.Segments()
	out := TranscriptResponse{
		SessionID:      s.ID,
		UserTurns:      users,
		AssistantTurns: assistants,
		Segments:       make([]Segment, 0, len(segs)),
	}
	for _, seg := range segs {
		out.Segments = append(out.Segments, Segment{Role: string(seg.Role), Text: seg.Text})
	}
	return out
}
