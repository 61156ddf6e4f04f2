package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"GuildLedger/internal/ledger"
	"GuildLedger/internal/money"
	"GuildLedger/internal/observability"
	"GuildLedger/internal/reservation"
)

// Ledger is the slice of the balance ledger settlement needs.
type Ledger interface {
	Credit(ctx context.Context, p ledger.CreditParams) (string, error)
	Debit(ctx context.Context, p ledger.DebitParams) (string, error)
}

// Reservations is the slice of the reservation manager settlement needs.
type Reservations interface {
	ActiveForAuction(ctx context.Context, scope, auctionID string) ([]reservation.Reservation, error)
	Get(ctx context.Context, scope, auctionID, userID string) (reservation.Reservation, error)
	Convert(ctx context.Context, scope, auctionID, userID string) (assetID, amount string, err error)
	ReleaseAllForAuction(ctx context.Context, scope, auctionID, exceptUserID string) (int64, error)
}

// Settler concludes due auctions and lotteries. Callers win the status
// transition out of LIVE before invoking a settle method; auction settlement
// is additionally idempotent step by step, so a resumed or concurrent run
// cannot move value twice.
type Settler struct {
	store        *Store
	ledger       Ledger
	reservations Reservations
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewSettler(store *Store, l Ledger, r Reservations, log zerolog.Logger, metrics *observability.Metrics) *Settler {
	return &Settler{store: store, ledger: l, reservations: r, log: log, metrics: metrics}
}

// EnterLottery sells one ticket: debits the ticket price and records the
// entry. The debit happens first so a broke buyer never gets a ticket. The
// pot is never incremented per ticket; it is derived from the entry count at
// draw time, so concurrent entries cannot lose each other's contribution.
func (s *Settler) EnterLottery(ctx context.Context, lotteryID, userID string) error {
	l, err := s.store.GetLottery(ctx, lotteryID)
	if err != nil {
		return err
	}
	if l.Status != LotteryLive {
		return fmt.Errorf("lottery %s is %s, not open for entries", lotteryID, l.Status)
	}

	if _, err := s.ledger.Debit(ctx, ledger.DebitParams{
		Scope:       l.Scope,
		UserID:      userID,
		Asset:       l.Asset,
		Amount:      l.TicketPrice,
		Kind:        ledger.KindDeduction,
		Description: "lottery ticket " + lotteryID,
	}); err != nil {
		return err
	}

	return s.store.addEntry(ctx, lotteryID, userID)
}

// SettleAuction concludes one FINISHING auction: the winner's hold converts
// to payment, the seller is credited, everyone else's holds release, and the
// auction lands in FINISHED. Every step is idempotent (the value movement is
// deduplicated on per-auction external refs), so a run that failed midway is
// resumed by a later poll instead of stranding a converted hold.
func (s *Settler) SettleAuction(ctx context.Context, a Auction) error {
	start := time.Now()

	winnerID, assetID, amount, err := s.auctionPayment(ctx, a)
	if err != nil {
		return err
	}
	if winnerID == "" {
		// No convertible bid remained; close winnerless.
		if err := s.store.clearAuctionWinner(ctx, a.ID); err != nil {
			return err
		}
		if _, err := s.reservations.ReleaseAllForAuction(ctx, a.Scope, a.ID, ""); err != nil {
			return err
		}
		_, err := s.store.TryTransition(ctx, EntityAuction, a.ID, AuctionFinishing, AuctionFinished)
		return err
	}

	if _, err := s.ledger.Debit(ctx, ledger.DebitParams{
		Scope:       a.Scope,
		UserID:      winnerID,
		Asset:       assetID,
		Amount:      amount,
		ExternalRef: "auction-payment-" + a.ID,
		Kind:        ledger.KindReservationConvert,
		Description: "auction payment " + a.ID,
	}); err != nil && !errors.Is(err, ledger.ErrDuplicateExternalRef) {
		return fmt.Errorf("debit auction winner: %w", err)
	}

	if _, err := s.ledger.Credit(ctx, ledger.CreditParams{
		Scope:       a.Scope,
		UserID:      a.SellerID,
		Asset:       assetID,
		Amount:      amount,
		ExternalRef: "auction-proceeds-" + a.ID,
		Kind:        ledger.KindTransferIn,
		Description: "auction proceeds " + a.ID,
	}); err != nil && !errors.Is(err, ledger.ErrDuplicateExternalRef) {
		return fmt.Errorf("credit auction seller: %w", err)
	}

	released, err := s.reservations.ReleaseAllForAuction(ctx, a.Scope, a.ID, winnerID)
	if err != nil {
		return err
	}
	if _, err := s.store.TryTransition(ctx, EntityAuction, a.ID, AuctionFinishing, AuctionFinished); err != nil {
		return err
	}

	s.log.Info().
		Str("auction", a.ID).
		Str("winner", winnerID).
		Str("amount", amount).
		Int64("losing_bids_released", released).
		Msg("auction settled")
	if s.metrics != nil {
		s.metrics.SettlementsCompleted.WithLabelValues("auction").Inc()
		s.metrics.SettlementDuration.WithLabelValues("auction").Observe(time.Since(start).Seconds())
	}
	return nil
}

// auctionPayment resolves who pays what. The winner is recorded before their
// hold converts, so a resumed run recovers the same winner and finds either
// the still-ACTIVE hold to convert or the CONVERTED row from the earlier
// attempt. An empty winnerID means no bid survived to pay.
func (s *Settler) auctionPayment(ctx context.Context, a Auction) (winnerID, assetID, amount string, err error) {
	if a.WinnerID.Valid {
		winnerID = a.WinnerID.String
	} else {
		bids, err := s.reservations.ActiveForAuction(ctx, a.Scope, a.ID)
		if err != nil {
			return "", "", "", err
		}
		if len(bids) == 0 {
			return "", "", "", nil
		}
		winnerID = bids[0].UserID
		if err := s.store.SetAuctionWinner(ctx, a.ID, winnerID); err != nil {
			return "", "", "", err
		}
	}

	r, err := s.reservations.Get(ctx, a.Scope, a.ID, winnerID)
	if errors.Is(err, reservation.ErrNoActiveReservation) {
		// The hold was released between listing and converting.
		return "", "", "", nil
	}
	if err != nil {
		return "", "", "", err
	}

	if r.Status == reservation.StatusConverted {
		return winnerID, r.Asset, money.Normalize(r.Amount), nil
	}
	assetID, amount, err = s.reservations.Convert(ctx, a.Scope, a.ID, winnerID)
	if errors.Is(err, reservation.ErrNoActiveReservation) {
		return "", "", "", nil
	}
	if err != nil {
		return "", "", "", err
	}
	return winnerID, assetID, amount, nil
}

// SettleLottery draws a winner for one due lottery after the caller won the
// LIVE -> DRAWING transition. DRAWING always resolves: any failure moves the
// lottery to FAILED rather than leaving it parked.
func (s *Settler) SettleLottery(ctx context.Context, l Lottery) error {
	start := time.Now()

	err := s.drawLottery(ctx, l)
	if err != nil {
		s.log.Error().Err(err).Str("lottery", l.ID).Msg("lottery draw failed")
		if _, failErr := s.store.TryTransition(ctx, EntityLottery, l.ID, LotteryDrawing, LotteryFailed); failErr != nil {
			return fmt.Errorf("draw failed (%v) and FAILED transition failed: %w", err, failErr)
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.SettlementsCompleted.WithLabelValues("lottery").Inc()
		s.metrics.SettlementDuration.WithLabelValues("lottery").Observe(time.Since(start).Seconds())
	}
	return nil
}

func (s *Settler) drawLottery(ctx context.Context, l Lottery) error {
	entries, err := s.store.Entries(ctx, l.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("no entries to draw from")
	}

	// The seed is persisted with the result so any draw can be re-verified.
	seed := time.Now().UnixNano()
	winner := entries[rand.New(rand.NewSource(seed)).Intn(len(entries))]

	// Every entry paid exactly one ticket price, so the pot is derived from
	// the entry count rather than accumulated per ticket.
	pot := money.Mul(l.TicketPrice, strconv.Itoa(len(entries)))

	if money.IsPositive(pot) {
		if _, err := s.ledger.Credit(ctx, ledger.CreditParams{
			Scope:       l.Scope,
			UserID:      winner.UserID,
			Asset:       l.Asset,
			Amount:      pot,
			ExternalRef: "lottery-pot-" + l.ID,
			Kind:        ledger.KindTransferIn,
			Description: "lottery pot " + l.ID,
		}); err != nil && !errors.Is(err, ledger.ErrDuplicateExternalRef) {
			return fmt.Errorf("credit lottery winner: %w", err)
		}
	}

	if err := s.store.recordDraw(ctx, l.ID, winner.UserID, pot, seed); err != nil {
		return err
	}

	won, err := s.store.TryTransition(ctx, EntityLottery, l.ID, LotteryDrawing, LotteryComplete)
	if err != nil {
		return err
	}
	if !won {
		return errors.New("lottery left DRAWING unexpectedly")
	}

	s.log.Info().
		Str("lottery", l.ID).
		Str("winner", winner.UserID).
		Str("pot", pot).
		Int64("seed", seed).
		Int("entries", len(entries)).
		Msg("lottery settled")
	return nil
}
