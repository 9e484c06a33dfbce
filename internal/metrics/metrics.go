// Package metrics exposes broadcast activity as Prometheus collectors. The
// collectors are fed from the event bus so no component imports Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"broadcastbot/internal/eventbus"
	"broadcastbot/internal/notifier"
)

type Metrics struct {
	Registry *prometheus.Registry

	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	Records         *prometheus.CounterVec
	Attempts        prometheus.Counter
	DeliveryLatency prometheus.Histogram
	Sessions        *prometheus.CounterVec
	NotifyFailures  *prometheus.CounterVec
	ConfigReloads   prometheus.Counter
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Broadcast runs started, including resumes",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Broadcast runs finished by terminal status",
		}, []string{"status"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Broadcast runs currently sending",
		}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "records_total",
			Help:      "Recipient outcomes written to the progress log",
		}, []string{"status"}),
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts including retries",
		}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "recipient_duration_seconds",
			Help:      "Time from first attempt to outcome per recipient",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"to"}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "failures_total",
			Help:      "Operator notifications that could not be delivered",
		}, []string{"kind"}),
		ConfigReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads",
		}),
	}
}

// Observe applies one event to the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeRunStarted:
		m.RunsStarted.Inc()
		m.ActiveRuns.Inc()
	case eventbus.TypeRunFinished:
		m.ActiveRuns.Dec()
		if d, ok := e.Data.(eventbus.RunEvent); ok {
			m.RunsFinished.WithLabelValues(d.Status).Inc()
		}
	case eventbus.TypeAttempt:
		m.Attempts.Inc()
	case eventbus.TypeRecord:
		if d, ok := e.Data.(eventbus.RecordEvent); ok {
			m.Records.WithLabelValues(d.Status).Inc()
			m.DeliveryLatency.Observe(d.Latency.Seconds())
		}
	case eventbus.TypeSessionState:
		if d, ok := e.Data.(eventbus.StateEvent); ok {
			m.Sessions.WithLabelValues(d.To).Inc()
		}
	case eventbus.TypeNotifyFailed:
		kind := "unknown"
		if d, ok := e.Data.(notifier.FailedEvent); ok {
			kind = d.Kind
		}
		m.NotifyFailures.WithLabelValues(kind).Inc()
	case eventbus.TypeConfigReload:
		m.ConfigReloads.Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
