package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"GuildLedger/internal/observability"
)

// Poller periodically lists due LIVE entities and races other workers for
// the right to settle each one. A lost transition means another poller got
// there first; the loser moves on with zero side effects.
type Poller struct {
	store    *Store
	settler  *Settler
	interval time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewPoller(store *Store, settler *Settler, interval time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Poller {
	return &Poller{store: store, settler: settler, interval: interval, log: log, metrics: metrics}
}

// Run blocks until ctx is cancelled, polling on the configured interval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.interval).Msg("settlement poller started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("settlement poller stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass over due auctions and lotteries. Settlement errors are
// logged, never fatal: the entity stays due and the next pass retries it.
func (p *Poller) Poll(ctx context.Context) {
	now := time.Now().UTC()

	auctions, err := p.store.ListDueAuctions(ctx, now)
	if err != nil {
		p.log.Error().Err(err).Msg("listing due auctions failed")
	}
	for _, a := range auctions {
		p.settleAuction(ctx, a)
	}

	lotteries, err := p.store.ListDueLotteries(ctx, now)
	if err != nil {
		p.log.Error().Err(err).Msg("listing due lotteries failed")
	}
	for _, l := range lotteries {
		p.settleLottery(ctx, l)
	}
}

func (p *Poller) settleAuction(ctx context.Context, a Auction) {
	// A FINISHING auction is one whose settlement died midway; resume it.
	// Settlement steps are idempotent, so concurrent resumers are safe.
	if a.Status == AuctionFinishing {
		if err := p.settler.SettleAuction(ctx, a); err != nil {
			p.log.Error().Err(err).Str("auction", a.ID).Msg("auction settlement resume failed")
		}
		return
	}

	// An auction with no bids cancels instead of finishing. The bid check
	// happens before the transition, so two pollers may pick different
	// targets in a race; the conditional update still lets only one through.
	bids, err := p.settler.reservations.ActiveForAuction(ctx, a.Scope, a.ID)
	if err != nil {
		p.log.Error().Err(err).Str("auction", a.ID).Msg("listing auction bids failed")
		return
	}
	target := AuctionFinishing
	if len(bids) == 0 {
		target = AuctionCancelled
	}

	won, err := p.store.TryTransition(ctx, EntityAuction, a.ID, AuctionLive, target)
	if err != nil {
		p.log.Error().Err(err).Str("auction", a.ID).Msg("auction transition failed")
		return
	}
	if !won {
		if p.metrics != nil {
			p.metrics.TransitionsLost.WithLabelValues("auction").Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.TransitionsWon.WithLabelValues("auction").Inc()
	}

	if target == AuctionCancelled {
		p.log.Info().Str("auction", a.ID).Msg("auction cancelled, no bids")
		return
	}
	// The struct still carries the pre-transition status; settlement runs
	// against the FINISHING row just claimed.
	a.Status = AuctionFinishing
	if err := p.settler.SettleAuction(ctx, a); err != nil {
		p.log.Error().Err(err).Str("auction", a.ID).Msg("auction settlement failed")
	}
}

func (p *Poller) settleLottery(ctx context.Context, l Lottery) {
	won, err := p.store.TryTransition(ctx, EntityLottery, l.ID, LotteryLive, LotteryDrawing)
	if err != nil {
		p.log.Error().Err(err).Str("lottery", l.ID).Msg("lottery transition failed")
		return
	}
	if !won {
		if p.metrics != nil {
			p.metrics.TransitionsLost.WithLabelValues("lottery").Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.TransitionsWon.WithLabelValues("lottery").Inc()
	}

	if err := p.settler.SettleLottery(ctx, l); err != nil {
		p.log.Error().Err(err).Str("lottery", l.ID).Msg("lottery settlement failed")
	}
}
