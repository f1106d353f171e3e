package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeRegistry implements Registry on top of a Prometheus registry served over HTTP.
type ScrapeRegistry struct {
	prom *prometheus.Registry
}

// NewScrapeRegistry creates a registry with the Go and process collectors installed.
func NewScrapeRegistry() (*ScrapeRegistry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return &ScrapeRegistry{prom: reg}, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// NewGaugeVec creates and registers a new GaugeVec.
func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	g := prometheus.NewGaugeVec(opts, labels)
	if err := r.prom.Register(g); err != nil {
		return nil, fmt.Errorf("registering gauge vec %q: %w", opts.Name, err)
	}
	return scrapeGaugeVec{g}, nil
}

// NewCounterVec creates and registers a new CounterVec.
func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	c := prometheus.NewCounterVec(opts, labels)
	if err := r.prom.Register(c); err != nil {
		return nil, fmt.Errorf("registering counter vec %q: %w", opts.Name, err)
	}
	return scrapeCounterVec{c}, nil
}

// NewHistogramVec creates and registers a new HistogramVec.
func (r *ScrapeRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) (HistogramVec, error) {
	h := prometheus.NewHistogramVec(opts, labels)
	if err := r.prom.Register(h); err != nil {
		return nil, fmt.Errorf("registering histogram vec %q: %w", opts.Name, err)
	}
	return scrapeHistogramVec{h}, nil
}

type scrapeGaugeVec struct{ vec *prometheus.GaugeVec }

func (g scrapeGaugeVec) With(labels prometheus.Labels) Gauge { return g.vec.With(labels) }

type scrapeCounterVec struct{ vec *prometheus.CounterVec }

func (c scrapeCounterVec) With(labels prometheus.Labels) Counter { return c.vec.With(labels) }

type scrapeHistogramVec struct{ vec *prometheus.HistogramVec }

func (h scrapeHistogramVec) With(labels prometheus.Labels) Observer { return h.vec.With(labels) }
