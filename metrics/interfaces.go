// Package metrics provides Prometheus-compatible metrics for ingestion runs.
//
// Two registries are supported:
//   - Scrape mode (server): metrics live in a Prometheus registry exposed via HTTP
//   - Push mode (CLI): samples are buffered and sent to a remote write endpoint with Flush
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a metric that represents a single numerical value that can go up and down.
type Gauge interface {
	Set(float64)
	Add(float64)
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	// Add panics if the value is negative.
	Add(float64)
}

// Observer records observations into a distribution.
type Observer interface {
	Observe(float64)
}

// GaugeVec is a Gauge with labels.
type GaugeVec interface {
	With(prometheus.Labels) Gauge
}

// CounterVec is a Counter with labels.
type CounterVec interface {
	With(prometheus.Labels) Counter
}

// HistogramVec is a histogram with labels.
type HistogramVec interface {
	With(prometheus.Labels) Observer
}

// Registry creates and registers metrics.
// Implementations handle the differences between push and scrape modes.
type Registry interface {
	NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error)
	NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error)
	NewHistogramVec(opts prometheus.HistogramOpts, labels []string) (HistogramVec, error)
}
