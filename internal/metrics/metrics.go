// Package metrics exposes the daemon's Prometheus collectors: live task
// count, cache pull/push totals, and event-handler failures. Registry
// satisfies both cache.MetricsRecorder and task.MetricsRecorder by
// structural typing, so neither package imports this one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds reportd's process-local Prometheus collectors.
type Registry struct {
	gatherer prometheus.Gatherer

	tasksActive   prometheus.Gauge
	tasksFinished *prometheus.CounterVec
	pulls         prometheus.Counter
	pushes        prometheus.Counter
	eventFailures prometheus.Counter
}

// NewRegistry creates and registers reportd's collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		gatherer: reg,
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reportd",
			Name:      "tasks_active",
			Help:      "Number of tasks currently running.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reportd",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by status.",
		}, []string{"status"}),
		pulls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reportd",
			Name:      "cache_pulls_total",
			Help:      "Working directories pulled from the problem store.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reportd",
			Name:      "cache_pushes_total",
			Help:      "Working directories pushed back to the problem store.",
		}),
		eventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reportd",
			Name:      "event_failures_total",
			Help:      "Workflow events that failed or exited non-zero.",
		}),
	}
	reg.MustRegister(r.tasksActive, r.tasksFinished, r.pulls, r.pushes, r.eventFailures)
	return r
}

// TaskStarted increments the active-task gauge.
func (r *Registry) TaskStarted() { r.tasksActive.Inc() }

// TaskFinished decrements the active-task gauge and counts the terminal
// status reached.
func (r *Registry) TaskFinished(status string) {
	r.tasksActive.Dec()
	r.tasksFinished.WithLabelValues(status).Inc()
}

// EventFailed counts one failed workflow event.
func (r *Registry) EventFailed() { r.eventFailures.Inc() }

// PullCompleted counts one completed cache pull.
func (r *Registry) PullCompleted() { r.pulls.Inc() }

// PushCompleted counts one completed cache push.
func (r *Registry) PushCompleted() { r.pushes.Inc() }

// Handler returns an http.Handler exposing the registry in the Prometheus
// text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
