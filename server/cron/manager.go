package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/orchestrator"
)

// Runner submits operations.
type Runner interface {
	Run(topologyID string, op lifecycle.Operation) (orchestrator.AggregateStatus, error)
}

// Entry describes one registered schedule.
type Entry struct {
	Topology  string              `json:"topology"`
	Operation lifecycle.Operation `json:"operation"`
	Schedule  string              `json:"schedule"`
	NextRun   time.Time           `json:"next_run"`
}

// Manager runs one Trigger per schedule.
type Manager struct {
	schedules []Schedule
	triggers  []*Trigger
	logger    *slog.Logger
}

// NewManager creates a trigger for every schedule. Each run submits the
// operation and returns without waiting for it to end; an operation still in
// progress from an earlier run is skipped.
func NewManager(schedules []Schedule, runner Runner, logger *slog.Logger) (*Manager, error) {
	logger = logger.With("component", "cron")
	m := &Manager{
		schedules: schedules,
		triggers:  make([]*Trigger, 0, len(schedules)),
		logger:    logger,
	}

	for _, s := range schedules {
		job := func(ctx context.Context) error {
			status, err := runner.Run(s.Topology, s.Operation)
			if errors.Is(err, orchestrator.ErrOperationInProgress) {
				logger.Warn("skipping scheduled operation", "schedule", s.String(), "reason", err)
				return nil
			}
			if err != nil {
				return err
			}
			logger.Info("scheduled operation submitted", "schedule", s.String(), "id", status.ID)
			return nil
		}

		trigger, err := NewTrigger(s.Spec, job, logger.With("topology", s.Topology, "operation", s.Operation))
		if err != nil {
			return nil, fmt.Errorf("creating trigger for %s: %w", s, err)
		}
		m.triggers = append(m.triggers, trigger)
		logger.Info("schedule registered", "schedule", s.String(), "next_run", trigger.NextRun())
	}
	return m, nil
}

// Run starts every trigger and blocks until ctx is cancelled and all of
// them returned.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range m.triggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Run(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// NextRun returns the earliest scheduled run time across all triggers, or
// the zero time when there are none.
func (m *Manager) NextRun() time.Time {
	var earliest time.Time
	for _, t := range m.triggers {
		next := t.NextRun()
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}

// Entries describes the registered schedules in configuration order.
func (m *Manager) Entries() []Entry {
	entries := make([]Entry, len(m.triggers))
	for i, t := range m.triggers {
		s := m.schedules[i]
		entries[i] = Entry{
			Topology:  s.Topology,
			Operation: s.Operation,
			Schedule:  t.Spec(),
			NextRun:   t.NextRun(),
		}
	}
	return entries
}
