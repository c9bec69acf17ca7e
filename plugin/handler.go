// Package plugin defines the contract between the activation engine and the
// lifecycle handlers ("plugins") that implement provisioning for a class of
// items, and the registry that binds an item type and step to exactly one
// handler.
//
// # Handler Contract
//
// A handler declares which (item type, step) pairs it serves via Accepts and
// performs the work in Execute. Handlers are expected to return quickly:
// long-running work returns a pending Outcome and is tracked afterwards via
// Poll until it succeeds, fails or times out.
//
//	func (h *VMHandler) Execute(ctx context.Context, step lifecycle.Step, t plugin.Target) (*plugin.Outcome, error) {
//	    jobID, err := h.api.Submit(ctx, step, t.EntityID)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return plugin.Pending(30*time.Minute, map[string]string{"job": jobID}), nil
//	}
//
// # Resolution
//
// The Registry enforces single-handler binding. Two handlers accepting the
// same pair is a registration bug reported as a ConfigurationError. A type
// with no handler for any step is unmanaged and reported as a NoHandlerError
// when it is activated.
package plugin

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/nomis52/goactivate/lifecycle"
)

// Status is the state reported by a handler for one step.
type Status int

const (
	// StatusRunning means the step continues asynchronously and must be polled.
	StatusRunning Status = iota
	// StatusSucceeded means the step completed.
	StatusSucceeded
	// StatusFailed means the step failed; Message holds the reason.
	StatusFailed
)

// String returns a human-readable representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true once the step has finished.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Outcome is the result of executing or polling one step.
type Outcome struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	// Timeout is the handler-suggested tracking window. Zero selects the
	// dispatcher default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Data carries handler state between Execute and Poll.
	Data map[string]string `json:"data,omitempty"`
}

// Succeeded returns a completed outcome.
func Succeeded(message string) *Outcome {
	return &Outcome{Status: StatusSucceeded, Message: message}
}

// Failed returns a failed outcome.
func Failed(message string) *Outcome {
	return &Outcome{Status: StatusFailed, Message: message}
}

// Pending returns an outcome that must be polled.
func Pending(timeout time.Duration, data map[string]string) *Outcome {
	return &Outcome{Status: StatusRunning, Timeout: timeout, Data: data}
}

// Target identifies the item a step runs against.
type Target struct {
	RequestID string
	EntityID  int64
	ItemType  string
	Name      string
	// Context carries activation details such as the prior error message.
	Context map[string]string
	// Logger is scoped to the request; records are captured for the operation.
	Logger *slog.Logger
}

// Handler implements lifecycle steps for a class of items.
type Handler interface {
	// Name identifies the handler in diagnostics.
	Name() string

	// Accepts reports whether the handler serves the item type at the step.
	Accepts(itemType string, step lifecycle.Step) bool

	// Execute runs the step. A returned error is a step failure.
	Execute(ctx context.Context, step lifecycle.Step, target Target) (*Outcome, error)

	// Poll returns the current state of a pending step. A nil outcome means
	// the step can no longer be tracked and is treated as failed.
	Poll(ctx context.Context, step lifecycle.Step, target Target, prior *Outcome) (*Outcome, error)
}

// Matcher implements Accepts for a fixed set of item types and steps. An
// empty step list accepts every step.
type Matcher struct {
	ItemTypes []string
	Steps     []lifecycle.Step
}

// Accepts reports whether the pair is covered by the matcher.
func (m Matcher) Accepts(itemType string, step lifecycle.Step) bool {
	if !slices.Contains(m.ItemTypes, itemType) {
		return false
	}
	return len(m.Steps) == 0 || slices.Contains(m.Steps, step)
}
