package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"GuildLedger/internal/observability"
)

// Reservations is the sweep surface of the reservation manager.
type Reservations interface {
	SweepStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Transactions is the retention surface of the balance ledger.
type Transactions interface {
	PruneTransactions(ctx context.Context, keep int) (int64, error)
}

// Sweeper runs the slow maintenance loops: releasing reservation holds left
// behind by auctions that ended long ago, and pruning the transaction log
// down to its retention bound. Errors are logged and retried on the next
// tick, never fatal.
type Sweeper struct {
	reservations Reservations
	transactions Transactions

	interval  time.Duration
	staleAge  time.Duration
	retention int

	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(r Reservations, t Transactions, interval, staleAge time.Duration, retention int,
	log zerolog.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		reservations: r,
		transactions: t,
		interval:     interval,
		staleAge:     staleAge,
		retention:    retention,
		log:          log,
		metrics:      metrics,
	}
}

// Run blocks until ctx is cancelled, sweeping on the configured interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.interval).
		Dur("stale_age", s.staleAge).
		Int("retention", s.retention).
		Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweepRuns.Inc()
	}

	released, err := s.reservations.SweepStale(ctx, time.Now().UTC().Add(-s.staleAge))
	if err != nil {
		s.log.Error().Err(err).Msg("stale reservation sweep failed")
	} else if released > 0 && s.metrics != nil {
		s.metrics.SweepItems.WithLabelValues("stale_reservations").Add(float64(released))
	}

	pruned, err := s.transactions.PruneTransactions(ctx, s.retention)
	if err != nil {
		s.log.Error().Err(err).Msg("transaction prune failed")
	} else if pruned > 0 {
		s.log.Info().Int64("pruned", pruned).Msg("transaction log pruned")
		if s.metrics != nil {
			s.metrics.SweepItems.WithLabelValues("pruned_transactions").Add(float64(pruned))
		}
	}
}
