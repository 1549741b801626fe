// Package metrics turns job lifecycle events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobflow/internal/eventbus"
)

const namespace = "jobflow"

type Metrics struct {
	reg *prometheus.Registry

	completed      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	retried        *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
	dispatchFailed *prometheus.CounterVec
	rules          *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// New registers the job collectors, plus Go runtime and process collectors,
// on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs processed successfully.",
		}, []string{"channel"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that failed for good: attempts exhausted or a permanent error.",
		}, []string{"channel"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Failed attempts handed back to the channel for another try.",
		}, []string{"channel"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Follow-up jobs accepted by an output channel.",
		}, []string{"channel", "target"}),
		dispatchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Bulk inserts into an output channel that failed.",
		}, []string{"channel", "target"}),
		rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_installed_total",
			Help:      "Recurrence rules installed.",
		}, []string{"channel"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler time per delivery, dispatch included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"channel", "status"}),
	}
	reg.MustRegister(
		m.completed, m.failed, m.retried, m.dispatched, m.dispatchFailed, m.rules, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobCompleted:
		m.completed.WithLabelValues(e.Channel).Inc()
		m.duration.WithLabelValues(e.Channel, "completed").Observe(e.Duration.Seconds())
	case eventbus.JobFailed:
		m.failed.WithLabelValues(e.Channel).Inc()
		m.duration.WithLabelValues(e.Channel, "failed").Observe(e.Duration.Seconds())
	case eventbus.JobRetrying:
		m.retried.WithLabelValues(e.Channel).Inc()
		m.duration.WithLabelValues(e.Channel, "retrying").Observe(e.Duration.Seconds())
	case eventbus.JobDispatched:
		m.dispatched.WithLabelValues(e.Channel, e.Target).Add(float64(e.Count))
	case eventbus.JobDispatchFailed:
		m.dispatchFailed.WithLabelValues(e.Channel, e.Target).Inc()
	case eventbus.RuleInstalled:
		m.rules.WithLabelValues(e.Channel).Inc()
	}
}

// Run consumes bus events until ctx is done. Events dropped by the bus
// under backpressure are not counted.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
