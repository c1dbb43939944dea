package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAuth           = errors.New("credential issuance failed")
	ErrUpstream       = errors.New("upstream service failed")
	ErrRecognition    = errors.New("speech recognition failed")
	ErrSynthesis      = errors.New("speech synthesis failed")
	ErrEmptyReply     = errors.New("model returned no reply")
	ErrCallerSequence = errors.New("operation not valid in current state")
)

// UpstreamError describes a failed call to an external service. It matches
// its Kind sentinel with errors.Is.
type UpstreamError struct {
	Kind      error
	Service   string
	Status    int
	Retryable bool
	Detail    string
	Err       error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	b.WriteString(": ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString(ErrUpstream.Error())
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func sequenceError(op string, state State) error {
	return fmt.Errorf("%w: %s while %s", ErrCallerSequence, op, state)
}

// ErrorKind maps err onto a stable code used in logs, metrics and wire
// events.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCallerSequence):
		return "caller_sequence"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrEmptyReply):
		return "empty_reply"
	case errors.Is(err, ErrRecognition):
		return "recognition"
	case errors.Is(err, ErrSynthesis):
		return "synthesis"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}

// IsRetryable reports whether an upstream error was classified retryable.
// A stage that ran out of time is retryable; a canceled one is not.
// Nothing in the pipeline retries on its own; callers surface the flag.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// HTTPStatus returns the upstream HTTP status attached to err, if any.
func HTTPStatus(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}
