package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeRegistry keeps metrics in a Prometheus registry for scraping.
type ScrapeRegistry struct {
	prom *prometheus.Registry
}

// NewScrapeRegistry creates a registry with the Go runtime and process
// collectors installed.
func NewScrapeRegistry() (*ScrapeRegistry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering runtime collector: %w", err)
		}
	}
	return &ScrapeRegistry{prom: reg}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *ScrapeRegistry) Gatherer() prometheus.Gatherer {
	return r.prom
}

func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	v := prometheus.NewGaugeVec(opts, labels)
	if err := r.prom.Register(v); err != nil {
		return nil, fmt.Errorf("registering gauge %q: %w", opts.Name, err)
	}
	return gaugeVec{v}, nil
}

func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	v := prometheus.NewCounterVec(opts, labels)
	if err := r.prom.Register(v); err != nil {
		return nil, fmt.Errorf("registering counter %q: %w", opts.Name, err)
	}
	return counterVec{v}, nil
}

func (r *ScrapeRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) (ObserverVec, error) {
	v := prometheus.NewHistogramVec(opts, labels)
	if err := r.prom.Register(v); err != nil {
		return nil, fmt.Errorf("registering histogram %q: %w", opts.Name, err)
	}
	return histogramVec{v}, nil
}

type gaugeVec struct{ v *prometheus.GaugeVec }

func (g gaugeVec) With(labels prometheus.Labels) Gauge { return g.v.With(labels) }

type counterVec struct{ v *prometheus.CounterVec }

func (c counterVec) With(labels prometheus.Labels) Counter { return c.v.With(labels) }

type histogramVec struct{ v *prometheus.HistogramVec }

func (h histogramVec) With(labels prometheus.Labels) Observer { return h.v.With(labels) }
