package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"GuildLedger/internal/asset"
	"GuildLedger/internal/ledger"
	"GuildLedger/internal/money"
)

// Store persists auctions, lotteries, and lottery entries.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateAuction(ctx context.Context, scope, sellerID, itemName string, dueAt time.Time) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auctions (id, scope, seller_id, item_name, status, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, scope, sellerID, itemName, AuctionLive, dueAt.UTC(), now, now)
	if err != nil {
		return "", fmt.Errorf("create auction: %w", err)
	}
	return id, nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (Auction, error) {
	var a Auction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, seller_id, item_name, status, winner_id, due_at, created_at, updated_at
		FROM auctions WHERE id = $1`, id).
		Scan(&a.ID, &a.Scope, &a.SellerID, &a.ItemName, &a.Status, &a.WinnerID,
			&a.DueAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Auction{}, fmt.Errorf("get auction: %w", err)
	}
	return a, nil
}

// ListDueAuctions returns LIVE auctions whose due time has passed, plus any
// FINISHING auction whose settlement must be resumed.
func (s *Store) ListDueAuctions(ctx context.Context, now time.Time) ([]Auction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, seller_id, item_name, status, winner_id, due_at, created_at, updated_at
		FROM auctions
		WHERE (status = $1 AND due_at <= $2) OR status = $3
		ORDER BY due_at ASC`, AuctionLive, now.UTC(), AuctionFinishing)
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	defer rows.Close()

	var due []Auction
	for rows.Next() {
		var a Auction
		if err := rows.Scan(&a.ID, &a.Scope, &a.SellerID, &a.ItemName, &a.Status,
			&a.WinnerID, &a.DueAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		due = append(due, a)
	}
	return due, rows.Err()
}

func (s *Store) SetAuctionWinner(ctx context.Context, id, winnerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET winner_id = $1, updated_at = $2 WHERE id = $3`,
		winnerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set auction winner: %w", err)
	}
	return nil
}

func (s *Store) clearAuctionWinner(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET winner_id = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear auction winner: %w", err)
	}
	return nil
}

func (s *Store) CreateLottery(ctx context.Context, scope, assetID, ticketPrice string, dueAt time.Time) (string, error) {
	if err := asset.Validate(assetID); err != nil {
		return "", err
	}
	if !money.IsPositive(ticketPrice) {
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, ticketPrice)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lotteries (id, scope, asset, ticket_price, pot, status, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, scope, assetID, money.Normalize(ticketPrice), money.Zero, LotteryLive, dueAt.UTC(), now, now)
	if err != nil {
		return "", fmt.Errorf("create lottery: %w", err)
	}
	return id, nil
}

func (s *Store) GetLottery(ctx context.Context, id string) (Lottery, error) {
	var l Lottery
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, asset, ticket_price, pot, status, winner_id, seed, due_at, created_at, updated_at
		FROM lotteries WHERE id = $1`, id).
		Scan(&l.ID, &l.Scope, &l.Asset, &l.TicketPrice, &l.Pot, &l.Status,
			&l.WinnerID, &l.Seed, &l.DueAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Lottery{}, fmt.Errorf("get lottery: %w", err)
	}
	return l, nil
}

// ListDueLotteries returns LIVE lotteries whose due time has passed.
func (s *Store) ListDueLotteries(ctx context.Context, now time.Time) ([]Lottery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, asset, ticket_price, pot, status, winner_id, seed, due_at, created_at, updated_at
		FROM lotteries
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC`, LotteryLive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due lotteries: %w", err)
	}
	defer rows.Close()

	var due []Lottery
	for rows.Next() {
		var l Lottery
		if err := rows.Scan(&l.ID, &l.Scope, &l.Asset, &l.TicketPrice, &l.Pot, &l.Status,
			&l.WinnerID, &l.Seed, &l.DueAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lottery: %w", err)
		}
		due = append(due, l)
	}
	return due, rows.Err()
}

// Entries returns all tickets for a lottery in purchase order. Draw fairness
// depends on this order being stable across workers.
func (s *Store) Entries(ctx context.Context, lotteryID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lottery_id, user_id, created_at
		FROM lottery_entries
		WHERE lottery_id = $1
		ORDER BY created_at ASC, id ASC`, lotteryID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.LotteryID, &e.UserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) addEntry(ctx context.Context, lotteryID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lottery_entries (id, lottery_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), lotteryID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add entry: %w", err)
	}
	return nil
}

// recordDraw persists the draw result. The pot is written here rather than
// incremented per ticket: a read-then-write increment loses updates under
// concurrent entries, while ticket price times entry count cannot.
func (s *Store) recordDraw(ctx context.Context, lotteryID, winnerID, pot string, seed int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lotteries SET winner_id = $1, seed = $2, pot = $3, updated_at = $4 WHERE id = $5`,
		winnerID, seed, pot, time.Now().UTC(), lotteryID)
	if err != nil {
		return fmt.Errorf("record draw: %w", err)
	}
	return nil
}
