package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// EscrowMetrics tracks ledger round-trips, order transitions and reconciliation drift.
type EscrowMetrics struct {
	ledgerCalls    *prometheus.CounterVec
	ledgerLatency  *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	walletsCreated prometheus.Counter
}

// Escrow returns the lazily-initialised collector bundle shared by the ledger,
// escrow and orders packages.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "courier",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "courier",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency of ledger operations including receipt polling.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			}, []string{"operation"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "courier",
				Subsystem: "orders",
				Name:      "transitions_total",
				Help:      "Order transitions segmented by event and outcome.",
			}, []string{"event", "outcome"}),
			reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "courier",
				Subsystem: "orders",
				Name:      "reconcile_total",
				Help:      "Reconciler verifications segmented by drift classification.",
			}, []string{"drift"}),
			walletsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "courier",
				Subsystem: "wallet",
				Name:      "created_total",
				Help:      "Ledger accounts provisioned for application users.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.ledgerCalls,
			escrowRegistry.ledgerLatency,
			escrowRegistry.transitions,
			escrowRegistry.reconciles,
			escrowRegistry.walletsCreated,
		)
	})
	return escrowRegistry
}

// ObserveLedgerCall records a ledger round-trip and its outcome label.
func (m *EscrowMetrics) ObserveLedgerCall(operation string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	op := label(operation)
	m.ledgerCalls.WithLabelValues(op, label(outcome)).Inc()
	if duration > 0 {
		m.ledgerLatency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// RecordTransition counts an order transition attempt.
func (m *EscrowMetrics) RecordTransition(event, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(event), label(outcome)).Inc()
}

// RecordReconcile counts a verification result.
func (m *EscrowMetrics) RecordReconcile(drift string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(label(drift)).Inc()
}

// RecordWalletCreated counts a newly provisioned ledger account.
func (m *EscrowMetrics) RecordWalletCreated() {
	if m == nil {
		return
	}
	m.walletsCreated.Inc()
}

// TransitionCounter exposes the underlying counter for assertions in tests.
func (m *EscrowMetrics) TransitionCounter(event, outcome string) prometheus.Counter {
	return m.transitions.WithLabelValues(label(event), label(outcome))
}

// WalletCounter exposes the wallet creation counter.
func (m *EscrowMetrics) WalletCounter() prometheus.Counter {
	return m.walletsCreated
}

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
