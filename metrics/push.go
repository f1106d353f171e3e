package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultTimeout is the default timeout for remote write requests.
const DefaultTimeout = 30 * time.Second

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint (e.g., "http://localhost:8428").
	URL string
	// Prefix is prepended to every metric name, followed by an underscore.
	Prefix string
	// Job is the job label for all metrics.
	Job string
	// Instance is the instance label for all metrics.
	Instance string
	// Timeout is the HTTP client timeout. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// PushRegistry implements Registry for short-lived processes. Metric values are
// kept in memory and sent as one remote write request on Flush.
type PushRegistry struct {
	cfg        PushConfig
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	series map[string]*pushSeries
}

// pushSeries is the current value of one labelled series.
type pushSeries struct {
	name   string
	labels prometheus.Labels
	value  float64
}

// NewPushRegistry creates a registry that writes to cfg.URL on Flush.
func NewPushRegistry(cfg PushConfig) *PushRegistry {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &PushRegistry{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		series:     make(map[string]*pushSeries),
	}
}

// NewGaugeVec creates a push-based GaugeVec.
func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	return pushVec{reg: r, name: opts.Name, labels: labels}, nil
}

// NewCounterVec creates a push-based CounterVec.
func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	return pushCounterVec{pushVec{reg: r, name: opts.Name, labels: labels}}, nil
}

// NewHistogramVec creates a push-based HistogramVec. Only the _sum and _count
// series are sent; buckets are not.
func (r *PushRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) (HistogramVec, error) {
	return pushHistogramVec{pushVec{reg: r, name: opts.Name, labels: labels}}, nil
}

// Flush sends the current value of every series. Series are kept, so a later
// Flush sends cumulative values again.
func (r *PushRegistry) Flush(ctx context.Context) error {
	req := &prompb.WriteRequest{Timeseries: r.timeSeries()}
	if len(req.Timeseries) == 0 {
		return nil
	}

	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+"/api/v1/write", bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// timeSeries renders every series in a stable order.
func (r *PushRegistry) timeSeries() []prompb.TimeSeries {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ts := r.now().UnixMilli()
	out := make([]prompb.TimeSeries, 0, len(keys))
	for _, k := range keys {
		s := r.series[k]
		out = append(out, prompb.TimeSeries{
			Labels:  r.promLabels(s.name, s.labels),
			Samples: []prompb.Sample{{Value: s.value, Timestamp: ts}},
		})
	}
	return out
}

func (r *PushRegistry) promLabels(name string, labels prometheus.Labels) []prompb.Label {
	if r.cfg.Prefix != "" {
		name = r.cfg.Prefix + "_" + name
	}
	out := []prompb.Label{{Name: "__name__", Value: name}}
	if r.cfg.Job != "" {
		out = append(out, prompb.Label{Name: "job", Value: r.cfg.Job})
	}
	if r.cfg.Instance != "" {
		out = append(out, prompb.Label{Name: "instance", Value: r.cfg.Instance})
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		out = append(out, prompb.Label{Name: k, Value: labels[k]})
	}
	return out
}

// update applies fn to the series identified by name and labels.
func (r *PushRegistry) update(name string, labels prometheus.Labels, fn func(float64) float64) {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[key]
	if !ok {
		s = &pushSeries{name: name, labels: labels}
		r.series[key] = s
	}
	s.value = fn(s.value)
}

func seriesKey(name string, labels prometheus.Labels) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	slices.Sort(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

type pushVec struct {
	reg    *PushRegistry
	name   string
	labels []string
}

func (v pushVec) With(labels prometheus.Labels) Gauge {
	return pushGauge{reg: v.reg, name: v.name, labels: labels}
}

type pushGauge struct {
	reg    *PushRegistry
	name   string
	labels prometheus.Labels
}

func (g pushGauge) Set(v float64) {
	g.reg.update(g.name, g.labels, func(float64) float64 { return v })
}

func (g pushGauge) Add(v float64) {
	g.reg.update(g.name, g.labels, func(cur float64) float64 { return cur + v })
}

type pushCounterVec struct{ pushVec }

func (v pushCounterVec) With(labels prometheus.Labels) Counter {
	return pushCounter{pushGauge{reg: v.reg, name: v.name, labels: labels}}
}

type pushCounter struct{ g pushGauge }

func (c pushCounter) Inc() { c.Add(1) }

func (c pushCounter) Add(v float64) {
	if v < 0 {
		panic("counter cannot decrease in value")
	}
	c.g.Add(v)
}

type pushHistogramVec struct{ pushVec }

func (v pushHistogramVec) With(labels prometheus.Labels) Observer {
	return pushHistogram{reg: v.reg, name: v.name, labels: labels}
}

type pushHistogram struct {
	reg    *PushRegistry
	name   string
	labels prometheus.Labels
}

func (h pushHistogram) Observe(v float64) {
	h.reg.update(h.name+"_sum", h.labels, func(cur float64) float64 { return cur + v })
	h.reg.update(h.name+"_count", h.labels, func(cur float64) float64 { return cur + 1 })
}
