package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for GuildLedger.
type Metrics struct {
	// --- Ledger ---
	LedgerOps        *prometheus.CounterVec
	LedgerOpDuration *prometheus.HistogramVec
	LedgerRetries    prometheus.Counter

	// --- Reservations ---
	ReservationOps       *prometheus.CounterVec
	ReservationConflicts prometheus.Counter
	ReservedTotalChecks  prometheus.Counter

	// --- NFT sub-ledger ---
	NFTOps           *prometheus.CounterVec
	NFTRepairsMerged prometheus.Counter

	// --- Settlement ---
	TransitionsWon       *prometheus.CounterVec
	TransitionsLost      *prometheus.CounterVec
	SettlementsCompleted *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec

	// --- Ingestion ---
	DepositsIngested *prometheus.CounterVec

	// --- Maintenance sweeps ---
	SweepRuns  prometheus.Counter
	SweepItems *prometheus.CounterVec

	// --- Data integrity ---
	IntegrityCorrections *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		LedgerOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_ledger_ops_total",
			Help: "Balance operations by type and outcome",
		}, []string{"op", "outcome"}),

		LedgerOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guild_ledger_op_duration_seconds",
			Help:    "Balance operation latency",
			Buckets: opBuckets,
		}, []string{"op"}),

		LedgerRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guild_ledger_cas_retries_total",
			Help: "Version-guard losses that triggered a read-compute-write retry",
		}),

		ReservationOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_reservation_ops_total",
			Help: "Reservation operations by type and outcome",
		}, []string{"op", "outcome"}),

		ReservationConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guild_reservation_conflicts_total",
			Help: "Insert conflicts resolved via the update fallback",
		}),

		ReservedTotalChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guild_reserved_total_checks_total",
			Help: "Spendable-balance checks computed from active reservations",
		}),

		NFTOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_nft_ops_total",
			Help: "NFT holding operations by type and outcome",
		}, []string{"op", "outcome"}),

		NFTRepairsMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guild_nft_repairs_merged_total",
			Help: "Duplicate holding rows merged by repair passes",
		}),

		TransitionsWon: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_settlement_transitions_won_total",
			Help: "Conditional status transitions performed by this worker",
		}, []string{"entity"}),

		TransitionsLost: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_settlement_transitions_lost_total",
			Help: "Conditional status transitions already taken by another worker",
		}, []string{"entity"}),

		SettlementsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_settlements_completed_total",
			Help: "Settlements run to completion by entity",
		}, []string{"entity"}),

		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guild_settlement_duration_seconds",
			Help:    "Time to settle one entity",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"entity"}),

		DepositsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_deposits_ingested_total",
			Help: "Deposit notifications by outcome (credited/duplicate/unknown_address/invalid)",
		}, []string{"outcome"}),

		SweepRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guild_sweep_runs_total",
			Help: "Maintenance sweep executions",
		}),

		SweepItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_sweep_items_total",
			Help: "Rows affected by maintenance sweeps",
		}, []string{"sweep"}),

		IntegrityCorrections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_integrity_corrections_total",
			Help: "Corrupt values detected and corrected (nan_balance, duplicate_holding, quantity_clamp)",
		}, []string{"kind"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_query_requests_total",
			Help: "Read API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guild_query_duration_seconds",
			Help:    "Read API latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
