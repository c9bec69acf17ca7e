package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultPushTimeout bounds one remote write request.
const DefaultPushTimeout = 30 * time.Second

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint, e.g. http://victoria:8428.
	URL string
	// Prefix is prepended to every metric name, separated by an underscore.
	Prefix string
	// Job and Instance are added as labels to every series.
	Job      string
	Instance string
	// Timeout defaults to DefaultPushTimeout.
	Timeout time.Duration
}

// PushRegistry buffers the latest value of every series and sends them all in
// one remote write request on Flush. Histograms keep a running sum and count.
type PushRegistry struct {
	cfg    PushConfig
	url    string
	client *http.Client

	mu     sync.Mutex
	series map[string]*pushSeries
}

type pushSeries struct {
	name   string
	labels map[string]string
	value  float64
}

// NewPushRegistry creates a registry pushing to cfg.URL.
func NewPushRegistry(cfg PushConfig) *PushRegistry {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultPushTimeout
	}
	return &PushRegistry{
		cfg:    cfg,
		url:    strings.TrimSuffix(cfg.URL, "/") + "/api/v1/write",
		client: &http.Client{Timeout: cfg.Timeout},
		series: make(map[string]*pushSeries),
	}
}

func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	return &pushVec{reg: r, name: metricName(opts.Namespace, opts.Subsystem, opts.Name), labels: labels}, nil
}

func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	return &pushCounterVec{pushVec{reg: r, name: metricName(opts.Namespace, opts.Subsystem, opts.Name), labels: labels}}, nil
}

func (r *PushRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) (ObserverVec, error) {
	return &pushObserverVec{pushVec{reg: r, name: metricName(opts.Namespace, opts.Subsystem, opts.Name), labels: labels}}, nil
}

// update applies fn to the stored value of the series.
func (r *PushRegistry) update(name string, labels prometheus.Labels, fn func(float64) float64) {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[key]
	if !ok {
		s = &pushSeries{name: name, labels: maps.Clone(labels)}
		r.series[key] = s
	}
	s.value = fn(s.value)
}

// Flush sends every buffered series. Values are kept so later flushes
// report cumulative counters.
func (r *PushRegistry) Flush(ctx context.Context) error {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	keys := slices.Sorted(maps.Keys(r.series))
	timeseries := make([]prompb.TimeSeries, 0, len(keys))
	for _, k := range keys {
		timeseries = append(timeseries, r.toTimeSeries(r.series[k], now))
	}
	r.mu.Unlock()

	if len(timeseries) == 0 {
		return nil
	}

	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: timeseries})
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("creating remote write request: %w", err)
	}
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending remote write request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("remote write returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (r *PushRegistry) toTimeSeries(s *pushSeries, ts int64) prompb.TimeSeries {
	name := s.name
	if r.cfg.Prefix != "" {
		name = r.cfg.Prefix + "_" + name
	}

	labels := []prompb.Label{{Name: "__name__", Value: name}}
	if r.cfg.Job != "" {
		labels = append(labels, prompb.Label{Name: "job", Value: r.cfg.Job})
	}
	if r.cfg.Instance != "" {
		labels = append(labels, prompb.Label{Name: "instance", Value: r.cfg.Instance})
	}
	for _, k := range slices.Sorted(maps.Keys(s.labels)) {
		labels = append(labels, prompb.Label{Name: k, Value: s.labels[k]})
	}

	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: s.value, Timestamp: ts}},
	}
}

type pushVec struct {
	reg    *PushRegistry
	name   string
	labels []string
}

func (v *pushVec) With(labels prometheus.Labels) Gauge {
	return pushGauge{vec: v, labels: labels}
}

type pushGauge struct {
	vec    *pushVec
	labels prometheus.Labels
}

func (g pushGauge) Set(value float64) {
	g.vec.reg.update(g.vec.name, g.labels, func(float64) float64 { return value })
}

type pushCounterVec struct{ pushVec }

func (v *pushCounterVec) With(labels prometheus.Labels) Counter {
	return pushCounter{vec: &v.pushVec, labels: labels}
}

type pushCounter struct {
	vec    *pushVec
	labels prometheus.Labels
}

func (c pushCounter) Inc() { c.Add(1) }

func (c pushCounter) Add(delta float64) {
	if delta < 0 {
		panic("metrics: counter cannot decrease")
	}
	c.vec.reg.update(c.vec.name, c.labels, func(v float64) float64 { return v + delta })
}

type pushObserverVec struct{ pushVec }

func (v *pushObserverVec) With(labels prometheus.Labels) Observer {
	return pushObserver{vec: &v.pushVec, labels: labels}
}

type pushObserver struct {
	vec    *pushVec
	labels prometheus.Labels
}

func (o pushObserver) Observe(value float64) {
	o.vec.reg.update(o.vec.name+"_sum", o.labels, func(v float64) float64 { return v + value })
	o.vec.reg.update(o.vec.name+"_count", o.labels, func(v float64) float64 { return v + 1 })
}

func metricName(namespace, subsystem, name string) string {
	return prometheus.BuildFQName(namespace, subsystem, name)
}

func seriesKey(name string, labels prometheus.Labels) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}
