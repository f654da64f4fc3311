// Package metrics exports ledger, gateway and payout counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "path402"

// Metrics holds the collectors for one process.
type Metrics struct {
	gatherer prometheus.Gatherer

	verifications   *prometheus.CounterVec
	verifyLatency   *prometheus.HistogramVec
	mints           *prometheus.CounterVec
	mintedUnits     *prometheus.CounterVec
	consumes        *prometheus.CounterVec
	outboxJobs      *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	dividendsPaid   prometheus.Counter
	distributionsOK *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "x402",
			Name:      "verifications_total",
			Help:      "Payment proof verifications by network and outcome",
		}, []string{"network", "outcome"}),
		verifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "x402",
			Name:      "verification_seconds",
			Help:      "Payment proof verification latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"network"}),
		mints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "mints_total",
			Help:      "Acquisitions by outcome",
		}, []string{"outcome"}),
		mintedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "minted_units_total",
			Help:      "Token units minted out of treasuries",
		}, []string{"token"}),
		consumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "consumes_total",
			Help:      "Metered consumption attempts by outcome",
		}, []string{"outcome"}),
		outboxJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "outbox_jobs_total",
			Help:      "Notarization outbox attempts by outcome",
		}, []string{"outcome"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dividend",
			Name:      "payouts_total",
			Help:      "Payout rail calls by path and outcome",
		}, []string{"path", "outcome"}),
		dividendsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dividend",
			Name:      "paid_total",
			Help:      "Dividend amount paid out in the smallest unit",
		}),
		distributionsOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dividend",
			Name:      "distributions_total",
			Help:      "Finished distributions by terminal status",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.verifications, m.verifyLatency, m.mints, m.mintedUnits, m.consumes,
		m.outboxJobs, m.payouts, m.dividendsPaid, m.distributionsOK,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveVerification implements x402.Observer.
func (m *Metrics) ObserveVerification(network, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(network, outcome).Inc()
	m.verifyLatency.WithLabelValues(network).Observe(elapsed.Seconds())
}

// Mint records an acquisition outcome; units is counted only when minted.
func (m *Metrics) Mint(tokenID, outcome string, units uint64) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(outcome).Inc()
	if units > 0 {
		m.mintedUnits.WithLabelValues(tokenID).Add(float64(units))
	}
}

// Consume records a metering decision.
func (m *Metrics) Consume(allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.consumes.WithLabelValues(outcome).Inc()
}

// OutboxJob records a notarization attempt outcome.
func (m *Metrics) OutboxJob(outcome string) {
	if m == nil {
		return
	}
	m.outboxJobs.WithLabelValues(outcome).Inc()
}

// Payout records a payout rail call. amount is added to the paid total on
// success.
func (m *Metrics) Payout(path string, ok bool, amount uint64) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "paid"
		m.dividendsPaid.Add(float64(amount))
	}
	m.payouts.WithLabelValues(path, outcome).Inc()
}

// Distribution records a distribution reaching a terminal status.
func (m *Metrics) Distribution(status string) {
	if m == nil {
		return
	}
	m.distributionsOK.WithLabelValues(status).Inc()
}
