package pulse

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pulsewatch"

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	EndpointsChecked        prometheus.Counter
	ChecksSucceeded         prometheus.Counter
	ChecksFailed            prometheus.Counter
	AlertsTriggered         prometheus.Counter
	NotificationsSuppressed prometheus.Counter
	NotificationsSent       *prometheus.CounterVec
	NotificationsFailed     *prometheus.CounterVec
	TickDuration            prometheus.Histogram
	CheckDuration           prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg.
// A nil reg leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EndpointsChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endpoints_checked_total",
			Help:      "Endpoints checked across all ticks.",
		}),
		ChecksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checks_succeeded_total",
			Help:      "Checks that received a 2xx response.",
		}),
		ChecksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checks_failed_total",
			Help:      "Checks with a transport error or non-2xx response.",
		}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alerts_triggered_total",
			Help:      "Alert rule evaluations that triggered.",
		}),
		NotificationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_suppressed_total",
			Help:      "Triggered decisions not dispatched because of the renotify interval.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered, by channel.",
		}, []string{"channel"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_failed_total",
			Help:      "Notification attempts that failed, by channel.",
		}, []string{"channel"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of a full orchestrator tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "check_duration_seconds",
			Help:      "Wall time of individual endpoint checks.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m
	}

	m.EndpointsChecked = register(reg, m.EndpointsChecked)
	m.ChecksSucceeded = register(reg, m.ChecksSucceeded)
	m.ChecksFailed = register(reg, m.ChecksFailed)
	m.AlertsTriggered = register(reg, m.AlertsTriggered)
	m.NotificationsSuppressed = register(reg, m.NotificationsSuppressed)
	m.NotificationsSent = register(reg, m.NotificationsSent)
	m.NotificationsFailed = register(reg, m.NotificationsFailed)
	m.TickDuration = register(reg, m.TickDuration)
	m.CheckDuration = register(reg, m.CheckDuration)
	return m
}

// register adds c to reg, reusing an identical collector registered earlier
// (the module may be re-initialized within one process).
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
