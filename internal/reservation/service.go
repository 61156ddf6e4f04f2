package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GuildLedger/internal/asset"
	"GuildLedger/internal/ledger"
	"GuildLedger/internal/money"
	"GuildLedger/internal/observability"
	"GuildLedger/internal/persistence"
)

// Status is the reservation lifecycle state. ACTIVE is the only
// non-terminal state; a reservation never leaves RELEASED or CONVERTED.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusReleased  Status = "RELEASED"
	StatusConverted Status = "CONVERTED"
)

// Reservation is an exclusive hold on ledger funds backing one user's bid
// on one auction. A hold is not a transfer: the funds stay in the user's
// account but are excluded from their spendable balance.
type Reservation struct {
	ID         string
	Scope      string
	AuctionID  string
	UserID     string
	Asset      string
	Amount     string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt sql.NullTime
}

// ErrNoActiveReservation is returned by Convert when the user has no ACTIVE
// hold on the auction.
var ErrNoActiveReservation = errors.New("no active reservation")

// BalanceReader is the slice of the ledger the reservation manager needs.
type BalanceReader interface {
	GetBalance(ctx context.Context, scope, userID, asset string) (string, error)
}

// Service manages bid reservations. The at-most-one-ACTIVE-row invariant is
// structural: a partial unique index on (scope, auction_id, user_id) where
// status = 'ACTIVE' backs the insert path.
type Service struct {
	db       *sql.DB
	balances BalanceReader
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewService(db *sql.DB, balances BalanceReader, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{db: db, balances: balances, log: log, metrics: metrics}
}

// PlaceOrUpdate creates the user's hold for an auction, or overwrites the
// amount of their existing ACTIVE hold (raising a bid replaces the hold, it
// does not stack). Creation races resolve through the uniqueness constraint:
// a violation proves a row now exists that must be updated instead.
func (s *Service) PlaceOrUpdate(ctx context.Context, scope, auctionID, userID, assetID, amount string) error {
	if err := asset.Validate(assetID); err != nil {
		return err
	}
	if !money.IsPositive(amount) {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, amount)
	}
	amount = money.Normalize(amount)

	spendable, err := s.spendable(ctx, scope, userID, assetID, auctionID)
	if err != nil {
		return err
	}
	if money.Cmp(spendable, amount) < 0 {
		return &ledger.InsufficientBalanceError{Current: spendable, Required: amount}
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reservations (id, scope, auction_id, user_id, asset, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.New().String(), scope, auctionID, userID, assetID, amount, string(StatusActive), now, now)
		if err == nil {
			if s.metrics != nil {
				s.metrics.ReservationOps.WithLabelValues("place", "ok").Inc()
			}
			return nil
		}
		if !persistence.IsUniqueViolation(err) {
			return fmt.Errorf("insert reservation: %w", err)
		}

		// An ACTIVE row exists; fall back to overwriting its amount.
		if s.metrics != nil {
			s.metrics.ReservationConflicts.Inc()
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE reservations SET amount = $1, updated_at = $2
			WHERE scope = $3 AND auction_id = $4 AND user_id = $5 AND status = $6`,
			amount, now, scope, auctionID, userID, string(StatusActive))
		if err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			if s.metrics != nil {
				s.metrics.ReservationOps.WithLabelValues("update", "ok").Inc()
			}
			return nil
		}
		// The row was released between insert and update; try inserting again.
	}

	return ledger.ErrConcurrentModification
}

// Release transitions ACTIVE to RELEASED. Releasing a reservation that is
// already terminal, or that never existed, is a no-op.
func (s *Service) Release(ctx context.Context, scope, auctionID, userID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $1, released_at = $2, updated_at = $2
		WHERE scope = $3 AND auction_id = $4 AND user_id = $5 AND status = $6`,
		string(StatusReleased), now, scope, auctionID, userID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ReservationOps.WithLabelValues("release", "ok").Inc()
	}
	return nil
}

// Convert transitions the winner's hold ACTIVE -> CONVERTED, authorizing the
// held amount to be treated as paid. Returns the asset and amount that were
// held so the caller can debit them as the payment.
func (s *Service) Convert(ctx context.Context, scope, auctionID, userID string) (assetID, amount string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT asset, amount FROM reservations
		WHERE scope = $1 AND auction_id = $2 AND user_id = $3 AND status = $4`,
		scope, auctionID, userID, string(StatusActive)).Scan(&assetID, &amount)
	if err == sql.ErrNoRows {
		return "", "", ErrNoActiveReservation
	}
	if err != nil {
		return "", "", fmt.Errorf("read reservation: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = $1, released_at = $2, updated_at = $2
		WHERE scope = $3 AND auction_id = $4 AND user_id = $5 AND status = $6`,
		string(StatusConverted), now, scope, auctionID, userID, string(StatusActive))
	if err != nil {
		return "", "", fmt.Errorf("convert reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", "", err
	}
	if affected == 0 {
		return "", "", ErrNoActiveReservation
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ReservationOps.WithLabelValues("convert", "ok").Inc()
	}
	return assetID, money.Normalize(amount), nil
}

// Get returns the user's hold on an auction, preferring a live or converted
// row over released history. ErrNoActiveReservation means the user holds
// neither. Settlement uses this to resume a partially completed auction:
// a CONVERTED row proves the winner's hold was already turned into payment.
func (s *Service) Get(ctx context.Context, scope, auctionID, userID string) (Reservation, error) {
	var r Reservation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, auction_id, user_id, asset, amount, status, created_at, updated_at, released_at
		FROM reservations
		WHERE scope = $1 AND auction_id = $2 AND user_id = $3 AND status IN ($4, $5)
		ORDER BY updated_at DESC
		LIMIT 1`,
		scope, auctionID, userID, string(StatusActive), string(StatusConverted)).
		Scan(&r.ID, &r.Scope, &r.AuctionID, &r.UserID, &r.Asset, &r.Amount,
			&r.Status, &r.CreatedAt, &r.UpdatedAt, &r.ReleasedAt)
	if err == sql.ErrNoRows {
		return Reservation{}, ErrNoActiveReservation
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// ReleaseAllForAuction bulk-releases every ACTIVE reservation for a closed
// auction, excepting the winner when exceptUserID is non-empty. Returns the
// number of holds released.
func (s *Service) ReleaseAllForAuction(ctx context.Context, scope, auctionID, exceptUserID string) (int64, error) {
	now := time.Now().UTC()

	query := `
		UPDATE reservations SET status = $1, released_at = $2, updated_at = $2
		WHERE scope = $3 AND auction_id = $4 AND status = $5`
	args := []interface{}{string(StatusReleased), now, scope, auctionID, string(StatusActive)}
	if exceptUserID != "" {
		query += ` AND user_id <> $6`
		args = append(args, exceptUserID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("release all: %w", err)
	}
	return res.RowsAffected()
}

// TotalReserved sums the user's ACTIVE holds for one asset across all
// auctions. Spendable balance is ledger balance minus this total.
func (s *Service) TotalReserved(ctx context.Context, scope, userID, assetID string) (string, error) {
	return s.totalReservedExcept(ctx, scope, userID, assetID, "")
}

// ActiveForAuction returns all ACTIVE reservations on one auction, highest
// amount first (decimal comparison done in Go, amounts are stored as text).
func (s *Service) ActiveForAuction(ctx context.Context, scope, auctionID string) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, auction_id, user_id, asset, amount, status, created_at, updated_at, released_at
		FROM reservations
		WHERE scope = $1 AND auction_id = $2 AND status = $3`,
		scope, auctionID, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("active for auction: %w", err)
	}
	defer rows.Close()

	var all []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.Scope, &r.AuctionID, &r.UserID, &r.Asset, &r.Amount,
			&r.Status, &r.CreatedAt, &r.UpdatedAt, &r.ReleasedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Insertion sort by amount descending, earliest bid wins ties.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0; j-- {
			if money.Cmp(all[j].Amount, all[j-1].Amount) > 0 {
				all[j], all[j-1] = all[j-1], all[j]
			} else {
				break
			}
		}
	}
	return all, nil
}

// SweepStale releases ACTIVE reservations belonging to auctions that ended
// before cutoff and were never explicitly released. Safety net against
// missed transitions; runs on a slow cadence.
func (s *Service) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $1, released_at = $2, updated_at = $2
		WHERE status = $3 AND auction_id IN (
			SELECT id FROM auctions WHERE due_at < $4
		)`,
		string(StatusReleased), now, string(StatusActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale reservations: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.log.Warn().Int64("released", released).Time("cutoff", cutoff).
			Msg("stale reservations swept")
	}
	return released, nil
}

// spendable computes balance minus reserved, excluding the user's existing
// hold on exceptAuction since a repeat bid replaces that hold.
func (s *Service) spendable(ctx context.Context, scope, userID, assetID, exceptAuction string) (string, error) {
	balance, err := s.balances.GetBalance(ctx, scope, userID, assetID)
	if err != nil {
		return money.Zero, err
	}

	reserved, err := s.totalReservedExcept(ctx, scope, userID, assetID, exceptAuction)
	if err != nil {
		return money.Zero, err
	}

	if s.metrics != nil {
		s.metrics.ReservedTotalChecks.Inc()
	}
	return money.Sub(balance, reserved), nil
}

func (s *Service) totalReservedExcept(ctx context.Context, scope, userID, assetID, exceptAuction string) (string, error) {
	query := `
		SELECT amount FROM reservations
		WHERE scope = $1 AND user_id = $2 AND asset = $3 AND status = $4`
	args := []interface{}{scope, userID, assetID, string(StatusActive)}
	if exceptAuction != "" {
		query += ` AND auction_id <> $5`
		args = append(args, exceptAuction)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return money.Zero, fmt.Errorf("total reserved: %w", err)
	}
	defer rows.Close()

	total := money.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return money.Zero, fmt.Errorf("scan amount: %w", err)
		}
		total = money.Add(total, amount)
	}
	return total, rows.Err()
}
