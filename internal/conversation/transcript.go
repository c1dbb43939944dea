// Package conversation holds the running dialogue that is replayed to the
// language model on every turn.
//
// The transcript is rendered in the Llama-2 chat layout the hosted model was
// tuned on: a system preamble opened once with "<s> [INST]<<SYS>>", then one
// "</s><s> [INST] … [/INST]" block per user turn followed by the model's reply.
package conversation

import (
	"errors"
	"strings"
	"sync"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	userOpen  = "</s><s> [INST] "
	userClose = " [/INST]"
)

// Segment is one entry of the transcript.
type Segment struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Transcript accumulates the preamble and every user/assistant exchange of a
// conversation. History is append-only; a Policy may narrow what is rendered
// into the prompt but never what is stored.
type Transcript struct {
	turnMu sync.Mutex

	mu       sync.RWMutex
	preamble string
	turns    []Segment
	policy   Policy
}

type Option func(*Transcript)

// WithPolicy sets the prompt rendering policy. The default is Unbounded.
func WithPolicy(p Policy) Option {
	return func(t *Transcript) {
		if p != nil {
			t.policy = p
		}
	}
}

func New(preamble string, opts ...Option) *Transcript {
	t := &Transcript{
		preamble: preamble,
		policy:   Unbounded{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transcript) AppendUser(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, Segment{Role: RoleUser, Text: text})
}

func (t *Transcript) AppendAssistant(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, Segment{Role: RoleAssistant, Text: text})
}

// Prompt renders the preamble and the policy-selected history as a single
// model input string.
func (t *Transcript) Prompt() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	selected := t.policy.Select(cloneSegments(t.turns))

	var b strings.Builder
	b.WriteString(t.preamble)
	for _, s := range selected {
		switch s.Role {
		case RoleUser:
			b.WriteString(userOpen)
			b.WriteString(s.Text)
			b.WriteString(userClose)
		case RoleAssistant:
			b.WriteString(" ")
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Segments returns the full stored history, preamble first.
func (t *Transcript) Segments() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Segment, 0, len(t.turns)+1)
	out = append(out, Segment{Role: RoleSystem, Text: t.preamble})
	out = append(out, t.turns...)
	return out
}

func (t *Transcript) Counts() (users, assistants int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.turns {
		switch s.Role {
		case RoleUser:
			users++
		case RoleAssistant:
			assistants++
		}
	}
	return users, assistants
}

// ErrEmptyExchange is returned by Exchange when the reply function succeeded
// but produced no text.
var ErrEmptyExchange = errors.New("exchange produced no reply")

// Exchange runs one user/assistant exchange under the transcript's turn lock,
// so that concurrent callers cannot interleave their segments. The user text
// is appended before reply is called and stays appended even if reply fails.
func (t *Transcript) Exchange(userText string, reply func(prompt string) (string, error)) (string, error) {
	t.turnMu.Lock()
	defer t.turnMu.Unlock()

	t.AppendUser(userText)
	text, err := reply(t.Prompt())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyExchange
	}
	t.AppendAssistant(text)
	return text, nil
}

func cloneSegments(in []Segment) []Segment {
	out := make([]Segment, len(in))
	copy(out, in)
	return out
}
