package nft

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GuildLedger/internal/observability"
)

// Service is the NFT sub-ledger. It follows the same discipline as the
// balance ledger: a credit merges into the existing row instead of creating
// a duplicate, because a duplicate row would let a user withdraw the same
// asset twice.
type Service struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{db: db, log: log, metrics: metrics}
}

// CreditParams describes an incoming NFT credit.
type CreditParams struct {
	Scope           string
	UserID          string
	Collection      string
	TokenIdentifier string
	Nonce           int64
	Quantity        int64
	Unique          bool // strictly-unique asset: quantity is always 1
	DisplayName     string
}

// Credit adds quantity to a holding, creating the row on first touch.
// Crediting a unique asset with quantity > 1 is clamped to 1 and logged as
// a correction; crediting an existing key merges quantities.
func (s *Service) Credit(ctx context.Context, p CreditParams) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, p.Quantity)
	}

	qty := p.Quantity
	if p.Unique && qty > 1 {
		s.log.Warn().
			Str("scope", p.Scope).
			Str("user", p.UserID).
			Str("collection", p.Collection).
			Str("token", p.TokenIdentifier).
			Int64("requested", qty).
			Msg("unique asset credit clamped to quantity 1")
		if s.metrics != nil {
			s.metrics.IntegrityCorrections.WithLabelValues("quantity_clamp").Inc()
		}
		qty = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var res sql.Result
	if p.Unique {
		// A unique asset never stacks; an existing row stays at quantity 1.
		res, err = tx.ExecContext(ctx, `
			UPDATE nft_holdings SET quantity = 1, updated_at = $1
			WHERE scope = $2 AND user_id = $3 AND collection = $4 AND token_identifier = $5`,
			now, p.Scope, p.UserID, p.Collection, p.TokenIdentifier)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE nft_holdings SET quantity = quantity + $1, updated_at = $2
			WHERE scope = $3 AND user_id = $4 AND collection = $5 AND token_identifier = $6`,
			qty, now, p.Scope, p.UserID, p.Collection, p.TokenIdentifier)
	}
	if err != nil {
		return fmt.Errorf("merge holding: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nft_holdings (id, scope, user_id, collection, token_identifier, nonce, quantity, staked, display_name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			uuid.New().String(), p.Scope, p.UserID, p.Collection, p.TokenIdentifier,
			p.Nonce, qty, false, p.DisplayName, now, now,
		); err != nil {
			return fmt.Errorf("insert holding: %w", err)
		}
	} else if affected > 1 {
		// More than one row matched the key: duplicates already exist.
		// Repair opportunistically inside this transaction.
		if merged, err := s.mergeDuplicates(ctx, tx, p.Scope, p.UserID, p.Collection, p.TokenIdentifier, now); err != nil {
			return fmt.Errorf("opportunistic repair: %w", err)
		} else if merged > 0 {
			s.log.Warn().
				Str("scope", p.Scope).
				Str("user", p.UserID).
				Str("collection", p.Collection).
				Str("token", p.TokenIdentifier).
				Int("merged", merged).
				Msg("duplicate holdings merged during credit")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.NFTOps.WithLabelValues("credit", "ok").Inc()
	}
	return nil
}

// Debit removes quantity from a holding, deleting the row when it reaches
// zero.
func (s *Service) Debit(ctx context.Context, scope, userID, collection, token string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	var held int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, quantity FROM nft_holdings
		WHERE scope = $1 AND user_id = $2 AND collection = $3 AND token_identifier = $4
		ORDER BY created_at ASC LIMIT 1`,
		scope, userID, collection, token).Scan(&id, &held)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: holding not found", ErrInsufficientQuantity)
	}
	if err != nil {
		return fmt.Errorf("read holding: %w", err)
	}

	if held < quantity {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientQuantity, held, quantity)
	}

	now := time.Now().UTC()
	if held == quantity {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nft_holdings WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete holding: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE nft_holdings SET quantity = quantity - $1, updated_at = $2 WHERE id = $3`,
			quantity, now, id); err != nil {
			return fmt.Errorf("decrement holding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.NFTOps.WithLabelValues("debit", "ok").Inc()
	}
	return nil
}

// SetStaked flips the staked flag on a holding.
func (s *Service) SetStaked(ctx context.Context, scope, userID, collection, token string, staked bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nft_holdings SET staked = $1, updated_at = $2
		WHERE scope = $3 AND user_id = $4 AND collection = $5 AND token_identifier = $6`,
		staked, time.Now().UTC(), scope, userID, collection, token)
	if err != nil {
		return fmt.Errorf("set staked: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: holding not found", ErrInsufficientQuantity)
	}
	return nil
}

// List returns a user's holdings, optionally filtered by collection.
func (s *Service) List(ctx context.Context, scope, userID, collection string) ([]Holding, error) {
	query := `
		SELECT id, scope, user_id, collection, token_identifier, nonce, quantity, staked, display_name, created_at, updated_at
		FROM nft_holdings
		WHERE scope = $1 AND user_id = $2`
	args := []interface{}{scope, userID}
	if collection != "" {
		query += ` AND collection = $3`
		args = append(args, collection)
	}
	query += ` ORDER BY collection, token_identifier`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.ID, &h.Scope, &h.UserID, &h.Collection, &h.TokenIdentifier,
			&h.Nonce, &h.Quantity, &h.Staked, &h.DisplayName, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// Repair scans for duplicate holding keys, merges each group into its
// earliest-created row, and clamps unique-asset quantities back to 1.
// Maintenance operation, not a hot path.
func (s *Service) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT scope, user_id, collection, token_identifier
		FROM nft_holdings
		GROUP BY scope, user_id, collection, token_identifier
		HAVING COUNT(*) > 1`)
	if err != nil {
		return report, fmt.Errorf("find duplicates: %w", err)
	}

	type key struct{ scope, user, collection, token string }
	var dupes []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.scope, &k.user, &k.collection, &k.token); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan duplicate key: %w", err)
		}
		dupes = append(dupes, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	now := time.Now().UTC()
	for _, k := range dupes {
		merged, err := s.mergeDuplicates(ctx, tx, k.scope, k.user, k.collection, k.token, now)
		if err != nil {
			return report, fmt.Errorf("merge %s/%s/%s/%s: %w", k.scope, k.user, k.collection, k.token, err)
		}
		report.MergedRows += merged
	}

	// Unique assets carry nonce > 0; any with a stacked quantity is corrupt.
	res, err := tx.ExecContext(ctx, `
		UPDATE nft_holdings SET quantity = 1, updated_at = $1
		WHERE nonce > 0 AND quantity > 1`, now)
	if err != nil {
		return report, fmt.Errorf("clamp unique quantities: %w", err)
	}
	clamped, err := res.RowsAffected()
	if err != nil {
		return report, err
	}
	report.QuantityCorrection = int(clamped)

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit: %w", err)
	}

	if s.metrics != nil && report.MergedRows > 0 {
		s.metrics.NFTRepairsMerged.Add(float64(report.MergedRows))
		s.metrics.IntegrityCorrections.WithLabelValues("duplicate_holding").Add(float64(report.MergedRows))
	}

	s.log.Info().
		Int("merged_rows", report.MergedRows).
		Int("quantity_corrections", report.QuantityCorrection).
		Msg("nft repair pass complete")
	return report, nil
}

// mergeDuplicates folds all rows for one key into the earliest-created row,
// summing quantities, and deletes the rest. Returns the number of rows
// removed.
func (s *Service) mergeDuplicates(ctx context.Context, tx *sql.Tx, scope, userID, collection, token string, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, quantity FROM nft_holdings
		WHERE scope = $1 AND user_id = $2 AND collection = $3 AND token_identifier = $4
		ORDER BY created_at ASC, id ASC`,
		scope, userID, collection, token)
	if err != nil {
		return 0, err
	}

	type row struct {
		id  string
		qty int64
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.qty); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(all) <= 1 {
		return 0, nil
	}

	var total int64
	for _, r := range all {
		total += r.qty
	}

	keeper := all[0]
	if _, err := tx.ExecContext(ctx, `
		UPDATE nft_holdings SET quantity = $1, updated_at = $2 WHERE id = $3`,
		total, now, keeper.id); err != nil {
		return 0, err
	}

	for _, r := range all[1:] {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nft_holdings WHERE id = $1`, r.id); err != nil {
			return 0, err
		}
	}

	return len(all) - 1, nil
}
