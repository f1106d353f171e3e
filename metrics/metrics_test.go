package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteWriteServer decodes every remote write request it receives.
func remoteWriteServer(t *testing.T) (*httptest.Server, <-chan []prompb.TimeSeries) {
	t.Helper()
	received := make(chan []prompb.TimeSeries, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/write", r.URL.Path)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "0.1.0", r.Header.Get("X-Prometheus-Remote-Write-Version"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)

		var writeReq prompb.WriteRequest
		require.NoError(t, proto.Unmarshal(decoded, &writeReq))
		received <- writeReq.Timeseries
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	return server, received
}

func findLabel(labels []prompb.Label, name string) string {
	for _, l := range labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func byName(series []prompb.TimeSeries) map[string]prompb.TimeSeries {
	out := make(map[string]prompb.TimeSeries, len(series))
	for _, ts := range series {
		out[findLabel(ts.Labels, "__name__")] = ts
	}
	return out
}

func TestPushRegistry_FlushSendsBufferedValues(t *testing.T) {
	server, received := remoteWriteServer(t)

	registry := NewPushRegistry(PushConfig{URL: server.URL, Prefix: "goingest", Job: "cli", Instance: "host1"})

	counters, err := registry.NewCounterVec(prometheus.CounterOpts{Name: "task_attempts_total"}, []string{"task_id"})
	require.NoError(t, err)
	gauges, err := registry.NewGaugeVec(prometheus.GaugeOpts{Name: "active_runs"}, []string{"dag_id"})
	require.NoError(t, err)

	counters.With(prometheus.Labels{"task_id": "fetch"}).Inc()
	counters.With(prometheus.Labels{"task_id": "fetch"}).Inc()
	gauges.With(prometheus.Labels{"dag_id": "ingest"}).Set(3)

	select {
	case <-received:
		t.Fatal("nothing should be sent before Flush")
	default:
	}

	require.NoError(t, registry.Flush(context.Background()))

	select {
	case series := <-received:
		require.Len(t, series, 2)
		named := byName(series)

		attempts := named["goingest_task_attempts_total"]
		assert.Equal(t, "cli", findLabel(attempts.Labels, "job"))
		assert.Equal(t, "host1", findLabel(attempts.Labels, "instance"))
		assert.Equal(t, "fetch", findLabel(attempts.Labels, "task_id"))
		require.Len(t, attempts.Samples, 1)
		assert.Equal(t, 2.0, attempts.Samples[0].Value)

		active := named["goingest_active_runs"]
		assert.Equal(t, 3.0, active.Samples[0].Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for metrics to be received")
	}
}

func TestPushRegistry_FlushWithNothingRecorded(t *testing.T) {
	registry := NewPushRegistry(PushConfig{URL: "http://127.0.0.1:1"})
	assert.NoError(t, registry.Flush(context.Background()))
}

func TestPushRegistry_HistogramSumAndCount(t *testing.T) {
	server, received := remoteWriteServer(t)
	registry := NewPushRegistry(PushConfig{URL: server.URL})

	hist, err := registry.NewHistogramVec(prometheus.HistogramOpts{Name: "run_duration_seconds"}, []string{"dag_id"})
	require.NoError(t, err)
	hist.With(prometheus.Labels{"dag_id": "ingest"}).Observe(2)
	hist.With(prometheus.Labels{"dag_id": "ingest"}).Observe(3)

	require.NoError(t, registry.Flush(context.Background()))

	named := byName(<-received)
	assert.Equal(t, 5.0, named["run_duration_seconds_sum"].Samples[0].Value)
	assert.Equal(t, 2.0, named["run_duration_seconds_count"].Samples[0].Value)
}

func TestPushRegistry_FlushErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad things", http.StatusBadRequest)
	}))
	defer server.Close()

	registry := NewPushRegistry(PushConfig{URL: server.URL})
	gauges, err := registry.NewGaugeVec(prometheus.GaugeOpts{Name: "g"}, nil)
	require.NoError(t, err)
	gauges.With(nil).Set(1)

	err = registry.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestPushCounter_NegativePanics(t *testing.T) {
	registry := NewPushRegistry(PushConfig{URL: "http://localhost"})
	counters, err := registry.NewCounterVec(prometheus.CounterOpts{Name: "c"}, nil)
	require.NoError(t, err)

	assert.Panics(t, func() { counters.With(nil).Add(-1) })
}

func TestScrapeRegistry_IngestMetrics(t *testing.T) {
	registry, err := NewScrapeRegistry()
	require.NoError(t, err)

	m, err := NewIngestMetrics(registry)
	require.NoError(t, err)

	m.RunStarted("ingest")
	m.TaskAttempt("ingest", "fetch", OutcomeRetry)
	m.TaskAttempt("ingest", "fetch", OutcomeSuccess)
	m.Notification("ingest", "upload", errors.New("smtp down"))
	m.RunFinished("ingest", "success", 90*time.Second)

	w := httptest.NewRecorder()
	registry.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `task_attempts_total{dag_id="ingest",outcome="retry",task_id="fetch"} 1`)
	assert.Contains(t, body, `task_notifications_total{dag_id="ingest",status="error",task_id="upload"} 1`)
	assert.Contains(t, body, `runs_total{dag_id="ingest",state="success"} 1`)
	assert.Contains(t, body, `active_runs{dag_id="ingest"} 0`)
	assert.Contains(t, body, `run_duration_seconds_count{dag_id="ingest"} 1`)
}

func TestScrapeRegistry_DuplicateRegistration(t *testing.T) {
	registry, err := NewScrapeRegistry()
	require.NoError(t, err)

	_, err = NewIngestMetrics(registry)
	require.NoError(t, err)
	_, err = NewIngestMetrics(registry)
	assert.Error(t, err)
}

func TestIngestMetrics_NilIsNoop(t *testing.T) {
	var m *IngestMetrics
	assert.NotPanics(t, func() {
		m.TaskAttempt("ingest", "fetch", OutcomeFailed)
		m.Notification("ingest", "fetch", nil)
		m.RunStarted("ingest")
		m.RunFinished("ingest", "failed", time.Second)
	})
}
