// Package lifecycle defines the lifecycle steps an item is driven through, the
// operations that group them into phases, and the deployment states recorded
// once a step completes.
package lifecycle

import (
	"fmt"
	"strings"
)

// Step is one lifecycle phase of a deployable item.
type Step int

const (
	// Init checks that the item can be provisioned.
	Init Step = iota
	// Activate provisions the item.
	Activate
	// FirstStart starts a freshly provisioned item.
	FirstStart
	// Start starts an existing item.
	Start
	// Stop stops a running item.
	Stop
	// Delete removes the item.
	Delete
)

// AllSteps lists every step in declaration order.
var AllSteps = []Step{Init, Activate, FirstStart, Start, Stop, Delete}

// String returns the upper case name of the step.
func (s Step) String() string {
	switch s {
	case Init:
		return "INIT"
	case Activate:
		return "ACTIVATE"
	case FirstStart:
		return "FIRSTSTART"
	case Start:
		return "START"
	case Stop:
		return "STOP"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// IsReverse returns true for steps that must visit dependents before the
// items they depend on.
func (s Step) IsReverse() bool {
	return s == Stop || s == Delete
}

// IsTerminal returns true for the steps that take an item out of service.
func (s Step) IsTerminal() bool {
	return s == Stop || s == Delete
}

// SuccessState returns the deployment state recorded when the step succeeds.
func (s Step) SuccessState() DeploymentState {
	switch s {
	case Init:
		return StateChecked
	case Activate:
		return StateCreated
	case FirstStart, Start:
		return StateStarted
	case Stop:
		return StateStopped
	case Delete:
		return StateRemoved
	default:
		return StateUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Step) UnmarshalText(text []byte) error {
	step, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// ParseStep parses a step name, ignoring case.
func ParseStep(name string) (Step, error) {
	for _, s := range AllSteps {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return Init, fmt.Errorf("unknown lifecycle step %q", name)
}
