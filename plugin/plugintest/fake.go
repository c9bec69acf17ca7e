// Package plugintest provides a configurable fake plugin.Handler for tests.
package plugintest

import (
	"context"
	"sync"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
)

// Call records one Execute or Poll invocation.
type Call struct {
	Step   lifecycle.Step
	Target plugin.Target
	Poll   bool
}

// Handler is a fake handler. With no funcs set, Execute succeeds and Poll
// returns the prior outcome unchanged.
type Handler struct {
	plugin.Matcher
	HandlerName string
	ExecuteFunc func(ctx context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error)
	PollFunc    func(ctx context.Context, step lifecycle.Step, target plugin.Target, prior *plugin.Outcome) (*plugin.Outcome, error)

	mu    sync.Mutex
	calls []Call
}

// New returns a fake serving the item types at the steps (all steps if none).
func New(name string, itemTypes []string, steps ...lifecycle.Step) *Handler {
	return &Handler{
		HandlerName: name,
		Matcher:     plugin.Matcher{ItemTypes: itemTypes, Steps: steps},
	}
}

func (h *Handler) Name() string { return h.HandlerName }

func (h *Handler) Execute(ctx context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
	h.record(Call{Step: step, Target: target})
	if h.ExecuteFunc != nil {
		return h.ExecuteFunc(ctx, step, target)
	}
	return plugin.Succeeded(""), nil
}

func (h *Handler) Poll(ctx context.Context, step lifecycle.Step, target plugin.Target, prior *plugin.Outcome) (*plugin.Outcome, error) {
	h.record(Call{Step: step, Target: target, Poll: true})
	if h.PollFunc != nil {
		return h.PollFunc(ctx, step, target, prior)
	}
	return prior, nil
}

// Calls returns a copy of the recorded invocations.
func (h *Handler) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]Call, len(h.calls))
	copy(result, h.calls)
	return result
}

// ExecutedNames returns the item names passed to Execute, in call order.
func (h *Handler) ExecutedNames() []string {
	var names []string
	for _, c := range h.Calls() {
		if !c.Poll {
			names = append(names, c.Target.Name)
		}
	}
	return names
}

func (h *Handler) record(c Call) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
}
