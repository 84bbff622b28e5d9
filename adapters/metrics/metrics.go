// Package metrics provides Prometheus metrics collection for billcycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billcycle"

// Collector holds all Prometheus metrics for billcycle.
type Collector struct {
	// Usage metrics
	UsageRecorded    *prometheus.CounterVec
	LimitBreaches    *prometheus.CounterVec
	UsageCorrections *prometheus.CounterVec

	// Ledger metrics
	InvoicesCreated    *prometheus.CounterVec
	InvoicedCents      *prometheus.CounterVec
	InvoiceTransitions *prometheus.CounterVec

	// Settlement metrics
	ChargeAttempts   *prometheus.CounterVec
	ChargeDuration   prometheus.Histogram
	RetriesScheduled prometheus.Counter
	RetryQueue       prometheus.Gauge

	// Cycle metrics
	CyclesClosed     *prometheus.CounterVec
	CycleCloseErrors prometheus.Counter
	SweepDuration    prometheus.Histogram
	PlanChanges      *prometheus.CounterVec
	ProrationClamps  prometheus.Counter

	// Invariant violations must page.
	InvariantViolations *prometheus.CounterVec
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		UsageRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_recorded_total",
				Help:      "Total units of usage recorded",
			},
			[]string{"resource"},
		),
		LimitBreaches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_limit_breaches_total",
				Help:      "Usage records that crossed the near-limit or over-limit threshold",
			},
			[]string{"resource", "level"},
		),
		UsageCorrections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_corrections_total",
				Help:      "Total manual usage corrections",
			},
			[]string{"resource"},
		),
		InvoicesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoices_created_total",
				Help:      "Total invoices appended to the ledger",
			},
			[]string{"reason"},
		),
		InvoicedCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoiced_cents_total",
				Help:      "Total amount invoiced in the smallest currency unit",
			},
			[]string{"reason"},
		),
		InvoiceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoice_transitions_total",
				Help:      "Invoice status transitions by target status",
			},
			[]string{"status"},
		),
		ChargeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charge_attempts_total",
				Help:      "Payment processor charge attempts by outcome",
			},
			[]string{"outcome"},
		),
		ChargeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "charge_duration_seconds",
				Help:      "Payment processor call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		RetriesScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_retries_scheduled_total",
				Help:      "Total settlement retries scheduled",
			},
		),
		RetryQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "settlement_retry_queue",
				Help:      "Invoices currently waiting for a settlement retry",
			},
		),
		CyclesClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_closed_total",
				Help:      "Total billing cycles closed",
			},
			[]string{"period"},
		),
		CycleCloseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_close_errors_total",
				Help:      "Cycle closes that failed during a scheduler sweep",
			},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_sweep_duration_seconds",
				Help:      "Duration of scheduler cycle sweeps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PlanChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_changes_total",
				Help:      "Plan change requests by timing",
			},
			[]string{"effective"},
		),
		ProrationClamps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proration_clamps_total",
				Help:      "Immediate plan changes whose negative net was clamped to zero",
			},
		),
		InvariantViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invariant_violations_total",
				Help:      "Internal consistency faults detected",
			},
			[]string{"component"},
		),
	}
}
