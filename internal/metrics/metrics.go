// Package metrics holds the Prometheus collectors of the validation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "receipt_validator"

// Metrics groups the engine collectors.
type Metrics struct {
	Outcomes       *prometheus.CounterVec
	RemoteResults  *prometheus.CounterVec
	RemoteLatency  prometheus.Histogram
	InventorySyncs *prometheus.CounterVec
	RestoreSubmits prometheus.Counter
	InventorySize  prometheus.Gauge
	DuplicateSkips prometheus.Counter
}

// New registers the collectors with reg. A nil reg creates a private registry,
// which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_outcomes_total",
			Help:      "Synchronous purchase request outcomes.",
		}, []string{"outcome"}),
		RemoteResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_validations_total",
			Help:      "Remote validation results by kind.",
		}, []string{"result"}),
		RemoteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_validation_seconds",
			Help:      "Round trip time of remote validation requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		InventorySyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_syncs_total",
			Help:      "Inventory sync attempts by result.",
		}, []string{"result"}),
		RestoreSubmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_submissions_total",
			Help:      "Receipts resubmitted by the restore workflow.",
		}),
		InventorySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory_records",
			Help:      "Records currently held in the inventory.",
		}),
		DuplicateSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_submissions_skipped_total",
			Help:      "Remote submissions skipped because the transaction was already in flight.",
		}),
	}
}
