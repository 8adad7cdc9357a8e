// Package metrics records orchestration and build metrics for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"specforge/internal/domain"
	"specforge/internal/orchestrator"
)

// Recorder implements orchestrator.Observer and the build service finish hook.
type Recorder struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	builds         *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	activeSessions prometheus.Gauge
}

// New registers the collectors on a fresh registry so several recorders can
// coexist in one process.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specforge_state_transitions_total",
				Help: "Orchestrator state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specforge_collaborator_calls_total",
				Help: "Collaborator calls by operation and outcome",
			},
			[]string{"op", "status"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "specforge_collaborator_call_duration_seconds",
				Help:    "Duration of collaborator calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		builds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specforge_build_jobs_total",
				Help: "Build jobs by terminal status",
			},
			[]string{"status"},
		),
		buildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "specforge_build_job_duration_seconds",
				Help:    "Duration of build jobs in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "specforge_active_sessions",
				Help: "Live orchestration sessions",
			},
		),
	}
}

var _ orchestrator.Observer = (*Recorder)(nil)

func (r *Recorder) Transition(from, to orchestrator.State) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Recorder) Call(op string, took time.Duration, err error) {
	r.calls.WithLabelValues(op, callStatus(err)).Inc()
	r.callDuration.WithLabelValues(op).Observe(took.Seconds())
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// BuildFinished matches build.Options.OnFinish.
func (r *Recorder) BuildFinished(job domain.BuildJob, took time.Duration) {
	r.builds.WithLabelValues(job.Status).Inc()
	r.buildDuration.Observe(took.Seconds())
}

// SessionOpened and SessionClosed track the session registry.
func (r *Recorder) SessionOpened() { r.activeSessions.Inc() }

func (r *Recorder) SessionClosed() { r.activeSessions.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }
