package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes recorded by the reconciler.
const (
	OutcomeReceived   = "received"
	OutcomeSuperseded = "superseded"
	OutcomeDuplicate  = "duplicate"
	OutcomeIrrelevant = "irrelevant"
	OutcomeAccepted   = "accepted"
)

// Metrics holds the engine's collectors on a private registry so that
// several engines (and tests) never collide on registration.
// All record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Events            *prometheus.CounterVec
	Refreshes         *prometheus.CounterVec
	BackupRefreshes   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ConnectionState   *prometheus.GaugeVec
	GroupOperations   *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
}

type Config struct {
	Namespace string
	Subsystem string
}

func DefaultConfig() *Config {
	return &Config{
		Namespace: "reservation",
		Subsystem: "availability_sync",
	}
}

func New(config *Config) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{registry: registry}

	m.Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "events_total",
			Help:      "Availability change events by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	m.Refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "refreshes_total",
			Help:      "Authoritative refreshes triggered by accepted events",
		},
		[]string{"scope", "result"},
	)

	m.BackupRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "backup_refreshes_total",
			Help:      "Synthetic backup-refresh events emitted by the heartbeat",
		},
	)

	m.ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Push channel connection attempts after the first one",
		},
	)

	m.ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "connection_state",
			Help:      "1 for the current push channel state, 0 for the others",
		},
		[]string{"state"},
	)

	m.GroupOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "group_operations_total",
			Help:      "Calendar group join/leave calls",
		},
		[]string{"op", "result"},
	)

	m.FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "fetch_duration_seconds",
			Help:      "REST availability fetch duration",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "result"},
	)

	registry.MustRegister(
		m.Events,
		m.Refreshes,
		m.BackupRefreshes,
		m.ReconnectAttempts,
		m.ConnectionState,
		m.GroupOperations,
		m.FetchDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordEvent(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRefresh(scope string, err error) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(scope, result(err)).Inc()
}

func (m *Metrics) RecordBackupRefresh() {
	if m == nil {
		return
	}
	m.BackupRefreshes.Inc()
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetConnectionState flips the gauge so exactly one state label reads 1.
func (m *Metrics) SetConnectionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordGroupOperation(op string, err error) {
	if m == nil {
		return
	}
	m.GroupOperations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) ObserveFetch(endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(endpoint, result(err)).Observe(time.Since(start).Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
