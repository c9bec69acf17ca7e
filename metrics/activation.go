package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "activator"

// Outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeNoop      = "noop"
)

// Activation holds the metrics recorded by the dispatcher and orchestrator.
type Activation struct {
	// Steps counts finished steps by step, item_type and outcome.
	Steps CounterVec
	// StepDuration observes handler wall-clock time by step and item_type.
	StepDuration ObserverVec
	// PendingSteps is the number of steps awaiting a poll, by step.
	PendingSteps GaugeVec
	// SlowHandlers counts Execute calls over the slow handler threshold.
	SlowHandlers CounterVec
	// DroppedSignals counts outcomes whose wait point could not be found.
	DroppedSignals CounterVec
	// Operations counts finished operations by operation and outcome.
	Operations CounterVec
	// Percent is the last reported progress by topology.
	Percent GaugeVec
}

// NewActivation registers the activation metrics with reg.
func NewActivation(reg Registry) (*Activation, error) {
	var (
		m   Activation
		err error
	)

	if m.Steps, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Lifecycle steps finished, by outcome.",
	}, []string{"step", "item_type", "outcome"}); err != nil {
		return nil, fmt.Errorf("steps_total: %w", err)
	}

	if m.StepDuration, err = reg.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handler_duration_seconds",
		Help:      "Time spent inside handler Execute calls.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"step", "item_type"}); err != nil {
		return nil, fmt.Errorf("handler_duration_seconds: %w", err)
	}

	if m.PendingSteps, err = reg.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_steps",
		Help:      "Steps awaiting completion from their handler.",
	}, []string{"step"}); err != nil {
		return nil, fmt.Errorf("pending_steps: %w", err)
	}

	if m.SlowHandlers, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_handlers_total",
		Help:      "Handler calls that exceeded the slow handler threshold.",
	}, []string{"step", "item_type"}); err != nil {
		return nil, fmt.Errorf("slow_handlers_total: %w", err)
	}

	if m.DroppedSignals, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_signals_total",
		Help:      "Step outcomes dropped because the wait point was missing.",
	}, []string{"step"}); err != nil {
		return nil, fmt.Errorf("dropped_signals_total: %w", err)
	}

	if m.Operations, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Topology operations finished, by outcome.",
	}, []string{"operation", "outcome"}); err != nil {
		return nil, fmt.Errorf("operations_total: %w", err)
	}

	if m.Percent, err = reg.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "progress_percent",
		Help:      "Last reported progress of the running operation.",
	}, []string{"topology"}); err != nil {
		return nil, fmt.Errorf("progress_percent: %w", err)
	}

	return &m, nil
}

// NopActivation returns metrics that record nothing.
func NopActivation() *Activation {
	m, _ := NewActivation(NopRegistry{})
	return m
}
