// Package metrics records activation metrics behind a small Registry
// abstraction with two backends:
//   - ScrapeRegistry (server): metrics live in a Prometheus registry served on /metrics
//   - PushRegistry (CLI): samples are buffered and sent to a remote write endpoint on Flush
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(float64)
}

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	// Add panics if the value is negative.
	Add(float64)
}

// Observer records a distribution of values such as durations.
type Observer interface {
	Observe(float64)
}

// GaugeVec is a Gauge partitioned by labels.
type GaugeVec interface {
	With(prometheus.Labels) Gauge
}

// CounterVec is a Counter partitioned by labels.
type CounterVec interface {
	With(prometheus.Labels) Counter
}

// ObserverVec is an Observer partitioned by labels.
type ObserverVec interface {
	With(prometheus.Labels) Observer
}

// Registry creates metrics for one backend.
type Registry interface {
	NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error)
	NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error)
	NewHistogramVec(opts prometheus.HistogramOpts, labels []string) (ObserverVec, error)
}

// NopRegistry discards every sample.
type NopRegistry struct{}

func (NopRegistry) NewGaugeVec(prometheus.GaugeOpts, []string) (GaugeVec, error) {
	return nopGaugeVec{}, nil
}

func (NopRegistry) NewCounterVec(prometheus.CounterOpts, []string) (CounterVec, error) {
	return nopCounterVec{}, nil
}

func (NopRegistry) NewHistogramVec(prometheus.HistogramOpts, []string) (ObserverVec, error) {
	return nopObserverVec{}, nil
}

type nop struct{}

func (nop) Set(float64)     {}
func (nop) Inc()            {}
func (nop) Add(float64)     {}
func (nop) Observe(float64) {}

type nopGaugeVec struct{}

func (nopGaugeVec) With(prometheus.Labels) Gauge { return nop{} }

type nopCounterVec struct{}

func (nopCounterVec) With(prometheus.Labels) Counter { return nop{} }

type nopObserverVec struct{}

func (nopObserverVec) With(prometheus.Labels) Observer { return nop{} }
