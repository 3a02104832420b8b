// Package metrics exposes Prometheus collectors for payment and sweep
// activity. Collectors register once on first use; all observe methods are
// nil-safe so call sites never need guards.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics tracks placement reservations and payment outcomes
type PaymentMetrics struct {
	placementsReserved *prometheus.CounterVec
	placementsReleased *prometheus.CounterVec
	sessionsStarted    *prometheus.CounterVec
	paymentOutcomes    *prometheus.CounterVec
	confirmDuration    prometheus.Histogram
	sweepRuns          prometheus.Counter
	sweepResolved      *prometheus.CounterVec
}

var (
	paymentsOnce     sync.Once
	paymentsRegistry *PaymentMetrics
)

// Payments returns the process-wide payment metrics registry
func Payments() *PaymentMetrics {
	paymentsOnce.Do(func() {
		paymentsRegistry = &PaymentMetrics{
			placementsReserved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "canvas_placements_reserved_total",
				Help: "Count of rectangles reserved on the canvas by token.",
			}, []string{"token"}),
			placementsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "canvas_placements_released_total",
				Help: "Count of rectangles released back to the canvas by reason.",
			}, []string{"reason"}),
			sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "canvas_payment_sessions_started_total",
				Help: "Count of payment sessions initialized by token.",
			}, []string{"token"}),
			paymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "canvas_payment_outcomes_total",
				Help: "Count of finalized payment attempts by token and outcome.",
			}, []string{"token", "outcome"}),
			confirmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "canvas_payment_confirm_duration_seconds",
				Help:    "Time from session creation to on-chain confirmation.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "canvas_sweep_runs_total",
				Help: "Count of reconciliation sweep executions.",
			}),
			sweepResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "canvas_sweep_resolved_total",
				Help: "Count of sessions and placements resolved by the sweeper by resolution.",
			}, []string{"resolution"}),
		}
		prometheus.MustRegister(
			paymentsRegistry.placementsReserved,
			paymentsRegistry.placementsReleased,
			paymentsRegistry.sessionsStarted,
			paymentsRegistry.paymentOutcomes,
			paymentsRegistry.confirmDuration,
			paymentsRegistry.sweepRuns,
			paymentsRegistry.sweepResolved,
		)
	})
	return paymentsRegistry
}

// ObserveReservation records a successful rectangle reservation
func (m *PaymentMetrics) ObserveReservation(token string) {
	if m == nil {
		return
	}
	m.placementsReserved.WithLabelValues(token).Inc()
}

// ObserveRelease records a rectangle returned to the canvas
func (m *PaymentMetrics) ObserveRelease(reason string) {
	if m == nil {
		return
	}
	m.placementsReleased.WithLabelValues(reason).Inc()
}

// ObserveSessionStarted records a new payment session
func (m *PaymentMetrics) ObserveSessionStarted(token string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(token).Inc()
}

// ObserveOutcome records a finalized payment attempt
func (m *PaymentMetrics) ObserveOutcome(token, outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(token, outcome).Inc()
}

// ObserveConfirmLatency records time-to-confirmation for a session
func (m *PaymentMetrics) ObserveConfirmLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmDuration.Observe(d.Seconds())
}

// ObserveSweep records one sweep execution and its resolutions
func (m *PaymentMetrics) ObserveSweep(resolutions map[string]int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	for resolution, count := range resolutions {
		if count > 0 {
			m.sweepResolved.WithLabelValues(resolution).Add(float64(count))
		}
	}
}
