// Package metrics exposes Prometheus collectors for sessions, containers and
// image pulls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsActive    prometheus.Gauge
	containersActive  prometheus.Gauge
	containersCreated *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionSeconds  *prometheus.HistogramVec
	imagePulls        *prometheus.CounterVec
	cleanupErrors     *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runbox_sessions_active",
			Help: "Connected execution sessions.",
		}),
		containersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runbox_containers_active",
			Help: "Sandbox containers currently alive.",
		}),
		containersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_containers_created_total",
			Help: "Sandbox containers created, by image.",
		}, []string{"image"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Finished executions, by language and outcome.",
		}, []string{"language", "outcome"}),
		executionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "Wall time from process start to exit.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"language"}),
		imagePulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_image_pulls_total",
			Help: "Image pulls, by image and result.",
		}, []string{"image", "result"}),
		cleanupErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_cleanup_errors_total",
			Help: "Failed teardown steps, by resource.",
		}, []string{"resource"}),
	}
	reg.MustRegister(
		m.sessionsActive, m.containersActive, m.containersCreated,
		m.executions, m.executionSeconds, m.imagePulls, m.cleanupErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format. A nil
// *Metrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) ContainerCreated(image string) {
	if m != nil {
		m.containersCreated.With(prometheus.Labels{"image": image}).Inc()
		m.containersActive.Inc()
	}
}

func (m *Metrics) ContainerRemoved() {
	if m != nil {
		m.containersActive.Dec()
	}
}

// ExecutionFinished records one execution. outcome is "exited", "timeout",
// "killed" or "failed".
func (m *Metrics) ExecutionFinished(language, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.With(prometheus.Labels{"language": language, "outcome": outcome}).Inc()
	if d > 0 {
		m.executionSeconds.With(prometheus.Labels{"language": language}).Observe(d.Seconds())
	}
}

func (m *Metrics) ImagePulled(image string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.imagePulls.With(prometheus.Labels{"image": image, "result": result}).Inc()
}

func (m *Metrics) CleanupFailed(resource string) {
	if m != nil {
		m.cleanupErrors.With(prometheus.Labels{"resource": resource}).Inc()
	}
}
