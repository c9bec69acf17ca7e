// Package simulated provides a handler that pretends to run lifecycle steps.
//
// Each step completes after a configurable delay. With no delay the step
// completes inside Execute; otherwise Execute returns a pending outcome and
// the step completes on the first poll after the delay. Items can be
// configured to fail, which makes the handler useful for rehearsing a
// topology before real handlers exist.
package simulated

import (
	"context"
	"fmt"
	"time"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
)

const readyAtKey = "ready_at"

// Config configures a Handler.
type Config struct {
	Name      string
	ItemTypes []string
	// Steps lists the steps served. Empty serves every step.
	Steps []lifecycle.Step
	Delay time.Duration
	// Timeout is suggested to the dispatcher for pending steps.
	Timeout time.Duration
	// Fail maps item names to the failure message they report.
	Fail map[string]string
}

// Handler simulates lifecycle steps.
type Handler struct {
	plugin.Matcher
	cfg Config
	now func() time.Time
}

var _ plugin.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates a simulated handler.
func New(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		Matcher: plugin.Matcher{ItemTypes: cfg.ItemTypes, Steps: cfg.Steps},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Name() string {
	return h.cfg.Name
}

func (h *Handler) Execute(ctx context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
	target.Logger.Info("simulating step", "step", step.String(), "item", target.Name,
		"entity_id", target.EntityID, "delay", h.cfg.Delay)

	if h.cfg.Delay <= 0 {
		return h.result(step, target), nil
	}
	readyAt := h.now().Add(h.cfg.Delay)
	return plugin.Pending(h.cfg.Timeout, map[string]string{
		readyAtKey: readyAt.Format(time.RFC3339Nano),
	}), nil
}

func (h *Handler) Poll(ctx context.Context, step lifecycle.Step, target plugin.Target, prior *plugin.Outcome) (*plugin.Outcome, error) {
	if prior == nil || prior.Data[readyAtKey] == "" {
		return nil, nil
	}
	readyAt, err := time.Parse(time.RFC3339Nano, prior.Data[readyAtKey])
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", readyAtKey, prior.Data[readyAtKey], err)
	}
	if h.now().Before(readyAt) {
		return prior, nil
	}
	return h.result(step, target), nil
}

func (h *Handler) result(step lifecycle.Step, target plugin.Target) *plugin.Outcome {
	if msg, ok := h.cfg.Fail[target.Name]; ok {
		target.Logger.Warn("simulated failure", "step", step.String(), "item", target.Name)
		return plugin.Failed(msg)
	}
	return plugin.Succeeded(fmt.Sprintf("%s simulated", step))
}
