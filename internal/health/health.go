// Package health defines the severity-graded diagnostic events emitted by
// every other component (§7) and a small prometheus exporter for them.
package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is the payload of a bus.KindHealth record.
type Event struct {
	Source   string // component name, e.g. "detector", "session:AA:BB:..."
	Severity Severity
	Message  string
	// Fields carries structured context (e.g. invalid-frame ratio,
	// clock drift) for slog attribute attachment and log replay.
	Fields map[string]any
}

// Metrics is the set of prometheus collectors the bridge registers once
// at startup and every component reports into.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec
	DecodeErrors  *prometheus.CounterVec
	ImpactsTotal  *prometheus.CounterVec
	ShotsTotal    *prometheus.CounterVec
	Correlated    prometheus.Counter
	Unmatched     *prometheus.CounterVec
	SubscriberLag *prometheus.CounterVec
	ExpectedDelay prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotbridge_health_events_total",
			Help: "Events published on the bus; source carries the event kind and severity is always info.",
		}, []string{"source", "severity"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotbridge_decode_errors_total",
			Help: "Frame decode errors, by codec and error kind.",
		}, []string{"codec", "kind"}),
		ImpactsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotbridge_impacts_total",
			Help: "Impacts detected, by sensor address.",
		}, []string{"sensor"}),
		ShotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotbridge_shots_total",
			Help: "Shots observed, by timer address.",
		}, []string{"timer"}),
		Correlated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shotbridge_correlated_total",
			Help: "Shot-impact pairs correlated.",
		}),
		Unmatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotbridge_unmatched_total",
			Help: "Shots or impacts that aged out of the correlation window unmatched.",
		}, []string{"kind"}),
		SubscriberLag: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotbridge_subscriber_lag_total",
			Help: "Events dropped for a lagging bus subscriber.",
		}, []string{"subscriber"}),
		ExpectedDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shotbridge_expected_delay_ms",
			Help: "Current calibrated expected shot-to-impact delay, in milliseconds.",
		}),
	}
	reg.MustRegister(m.EventsTotal, m.DecodeErrors, m.ImpactsTotal, m.ShotsTotal,
		m.Correlated, m.Unmatched, m.SubscriberLag, m.ExpectedDelay)
	return m
}
