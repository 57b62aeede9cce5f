package director

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts cycles. Labels: trigger, result (completed, skipped, error)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "cycles_total",
			Help:      "Director scheduling cycles by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// CycleDuration tracks cycle wall time.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of director cycles in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// IntegrationsTotal counts integration attempts. Labels: result (succeeded, failed)
	IntegrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "integrations_total",
			Help:      "Branch integration attempts by result",
		},
		[]string{"result"},
	)

	// ManifestEntries is the size of each manifest collection after a cycle.
	// Labels: collection
	ManifestEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "manifest_entries",
			Help:      "Branches in each manifest collection",
		},
		[]string{"collection"},
	)

	// StaleBranches is the number of pending branches built on an old main head.
	StaleBranches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "stale_branches",
			Help:      "Pending-merge branches whose base differs from the main head",
		},
	)

	// DeadLetters is the current dead-letter list size.
	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "dead_letters",
			Help:      "Branches parked after exhausting integration retries",
		},
	)

	// CircuitOpen is 1 while integration dispatch is suspended.
	CircuitOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "director",
			Name:      "circuit_open",
			Help:      "1 while the integration circuit breaker is open",
		},
	)
)
