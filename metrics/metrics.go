// Package metrics exposes Prometheus collectors for the notifier.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "substitute_notifier"

// Metrics holds the collectors.
type Metrics struct {
	rounds       *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	checks       *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	fingerprints prometheus.Counter
	clients      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_rounds_total",
			Help:      "Notification rounds by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-subscriber deliveries by result.",
		}, []string{"result"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_checks_total",
			Help:      "Modification checks against the plan server by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_fetches_total",
			Help:      "Plan downloads by result.",
		}, []string{"result"}),
		fingerprints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_changes_total",
			Help:      "Changes of the composite modification fingerprint.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		}),
	}
	for _, c := range []prometheus.Collector{m.rounds, m.deliveries, m.checks, m.fetches, m.fingerprints, m.clients} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRound counts a notification round.
func (m *Metrics) ObserveRound(outcome string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(outcome).Inc()
}

// ObserveDelivery counts one delivery attempt.
func (m *Metrics) ObserveDelivery(res string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(res).Inc()
}

// ObserveCheck counts a modification check.
func (m *Metrics) ObserveCheck(err error) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result(err)).Inc()
}

// ObserveFetch counts a plan download.
func (m *Metrics) ObserveFetch(err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result(err)).Inc()
}

// ObserveFingerprint counts a fingerprint change.
func (m *Metrics) ObserveFingerprint() {
	if m == nil {
		return
	}
	m.fingerprints.Inc()
}

// SetClients records the number of websocket clients.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}
