package orchestrator

import "fmt"

// State is the state of one topology operation.
type State int

const (
	// Pending means the operation is being planned and submitted.
	Pending State = iota

	// Running means the process instance was started.
	Running

	// Succeeded means the instance reached the success terminus.
	Succeeded

	// Failed means planning, submission or a step failed.
	Failed
)

// String returns a human-readable representation of the State
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the operation can no longer change.
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Pending, Running, Succeeded, Failed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown operation state %q", text)
}
