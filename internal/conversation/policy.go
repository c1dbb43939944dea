package conversation

// Policy chooses which stored turns are rendered into the prompt. The
// preamble is always rendered and is not part of the input.
type Policy interface {
	Select(turns []Segment) []Segment
}

// Unbounded renders the entire history. Request size grows with every turn.
type Unbounded struct{}

func (Unbounded) Select(turns []Segment) []Segment { return turns }

// SlidingWindow renders only the most recent MaxTurns user turns together
// with the replies that followed them. MaxTurns <= 0 behaves like Unbounded.
type SlidingWindow struct {
	MaxTurns int
}

func (w SlidingWindow) Select(turns []Segment) []Segment {
	if w.MaxTurns <= 0 {
		return turns
	}
	seen := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != RoleUser {
			continue
		}
		seen++
		if seen == w.MaxTurns {
			return turns[i:]
		}
	}
	return turns
}

// PolicyForMaxTurns maps the persona/config setting onto a Policy.
func PolicyForMaxTurns(maxTurns int) Policy {
	if maxTurns <= 0 {
		return Unbounded{}
	}
	return SlidingWindow{MaxTurns: maxTurns}
}
