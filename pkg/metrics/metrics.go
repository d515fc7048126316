// Package metrics defines the Prometheus instruments for the ingestion lifecycle.
//
// All record methods are safe to call on a nil *Metrics, so components accept
// an optional metrics handle and tests pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ekaya_ingest"

// Metrics holds the lifecycle instruments.
type Metrics struct {
	registry *prometheus.Registry

	// Provisioning
	provisions        *prometheus.CounterVec   // By outcome and step
	provisionDuration *prometheus.HistogramVec // By outcome

	// Completion monitor
	monitorPolls   *prometheus.CounterVec // By result
	monitorsActive prometheus.Gauge
	queuedFlowFile prometheus.Histogram

	// Teardown
	teardownFailures *prometheus.CounterVec // By op

	// Ingestion
	datasets         *prometheus.CounterVec // By status
	pipelines        *prometheus.CounterVec // By state
	artifactWrites   *prometheus.HistogramVec
	artifactBytes    *prometheus.CounterVec
	artifactFailures *prometheus.CounterVec

	// HTTP API
	httpRequests *prometheus.CounterVec   // By method and status code
	httpDuration *prometheus.HistogramVec // By method
}

// New creates the instruments and registers them, together with the Go runtime
// and process collectors, on a dedicated registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "provisions_total",
			Help:      "Provisioning attempts by outcome and the step that ended them",
		}, []string{"outcome", "step"}),

		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "provision_duration_seconds",
			Help:      "Provisioning duration in seconds, including settle interval",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"outcome"}),

		monitorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Queued-count polls by result",
		}, []string{"result"}), // result: queued, drained, error

		monitorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Completion monitors currently polling",
		}),

		queuedFlowFile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "queued_flowfiles",
			Help:      "Aggregate queued flowfile counts observed by polls",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),

		teardownFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "teardown",
			Name:      "failures_total",
			Help:      "Teardown sub-step failures by operation",
		}, []string{"op"}),

		datasets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "datasets_total",
			Help:      "Datasets processed by status",
		}, []string{"status"}),

		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "pipelines_total",
			Help:      "Ingestion runs by final connection state",
		}, []string{"state"}),

		artifactWrites: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_duration_seconds",
			Help:      "Artifact write duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"backend"}),

		artifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "written_bytes_total",
			Help:      "Artifact bytes written",
		}, []string{"backend"}),

		artifactFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_errors_total",
			Help:      "Failed artifact writes",
		}, []string{"backend"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by method and status code",
		}, []string{"method", "code"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	collectorsToRegister := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.provisions,
		m.provisionDuration,
		m.monitorPolls,
		m.monitorsActive,
		m.queuedFlowFile,
		m.teardownFailures,
		m.datasets,
		m.pipelines,
		m.artifactWrites,
		m.artifactBytes,
		m.artifactFailures,
		m.httpRequests,
		m.httpDuration,
	}
	for _, c := range collectorsToRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	})
}

// RecordProvision records a provisioning attempt. step is the step that
// ended the attempt, "6" for success.
func (m *Metrics) RecordProvision(outcome, step string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(outcome, step).Inc()
	m.provisionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordPoll records one monitor poll. count is ignored when result is "error".
func (m *Metrics) RecordPoll(result string, count int) {
	if m == nil {
		return
	}
	m.monitorPolls.WithLabelValues(result).Inc()
	if result != "error" {
		m.queuedFlowFile.Observe(float64(count))
	}
}

func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.monitorsActive.Inc()
}

func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.monitorsActive.Dec()
}

func (m *Metrics) RecordTeardownFailure(op string) {
	if m == nil {
		return
	}
	m.teardownFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordDataset(status string) {
	if m == nil {
		return
	}
	m.datasets.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPipeline(state string) {
	if m == nil {
		return
	}
	m.pipelines.WithLabelValues(state).Inc()
}

// RecordArtifactWrite records one artifact write; a non-nil err counts as a failure.
func (m *Metrics) RecordArtifactWrite(backend string, size int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.artifactFailures.WithLabelValues(backend).Inc()
		return
	}
	m.artifactWrites.WithLabelValues(backend).Observe(elapsed.Seconds())
	m.artifactBytes.WithLabelValues(backend).Add(float64(size))
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
