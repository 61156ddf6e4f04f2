package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"GuildLedger/internal/money"
	"GuildLedger/internal/observability"
)

// Service is the read side: aggregations over the ledger and reservation
// tables. It never writes. All decimal summing happens in Go because amounts
// are stored as text.
type Service struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{db: db, log: log, metrics: metrics}
}

// AssetTotal is one asset's aggregate position within a scope.
type AssetTotal struct {
	Asset    string `json:"asset"`
	Total    string `json:"total"`
	Accounts int    `json:"accounts"`
}

// AssetPosition is one user's position in one asset.
type AssetPosition struct {
	Asset     string `json:"asset"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Spendable string `json:"spendable"`
}

// ReplayResult compares a stored balance against one recomputed from the
// transaction log.
type ReplayResult struct {
	Stored   string `json:"stored"`
	Replayed string `json:"replayed"`
	Records  int    `json:"records"`
	Match    bool   `json:"match"`
}

// ScopeSummary sums every account balance in a scope per asset.
func (s *Service) ScopeSummary(ctx context.Context, scope string) ([]AssetTotal, error) {
	defer s.observe("scope_summary", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, balance FROM accounts WHERE scope = $1`, scope)
	if err != nil {
		return nil, fmt.Errorf("scope summary: %w", err)
	}
	defer rows.Close()

	totals := map[string]*AssetTotal{}
	for rows.Next() {
		var assetID, balance string
		if err := rows.Scan(&assetID, &balance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		t, ok := totals[assetID]
		if !ok {
			t = &AssetTotal{Asset: assetID, Total: money.Zero}
			totals[assetID] = t
		}
		t.Total = money.Add(t.Total, balance)
		t.Accounts++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]AssetTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// UserOverview returns the user's balance, active reserved total, and the
// spendable remainder for every asset they hold or have reserved.
func (s *Service) UserOverview(ctx context.Context, scope, userID string) ([]AssetPosition, error) {
	defer s.observe("user_overview", time.Now())

	balances := map[string]string{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, balance FROM accounts WHERE scope = $1 AND user_id = $2`,
		scope, userID)
	if err != nil {
		return nil, fmt.Errorf("user balances: %w", err)
	}
	for rows.Next() {
		var assetID, balance string
		if err := rows.Scan(&assetID, &balance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances[assetID] = money.Normalize(balance)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	reserved := map[string]string{}
	rows, err = s.db.QueryContext(ctx, `
		SELECT asset, amount FROM reservations
		WHERE scope = $1 AND user_id = $2 AND status = 'ACTIVE'`,
		scope, userID)
	if err != nil {
		return nil, fmt.Errorf("user reservations: %w", err)
	}
	for rows.Next() {
		var assetID, amount string
		if err := rows.Scan(&assetID, &amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		prev, ok := reserved[assetID]
		if !ok {
			prev = money.Zero
		}
		reserved[assetID] = money.Add(prev, amount)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	assets := map[string]struct{}{}
	for a := range balances {
		assets[a] = struct{}{}
	}
	for a := range reserved {
		assets[a] = struct{}{}
	}

	out := make([]AssetPosition, 0, len(assets))
	for a := range assets {
		balance, ok := balances[a]
		if !ok {
			balance = money.Zero
		}
		held, ok := reserved[a]
		if !ok {
			held = money.Zero
		}
		out = append(out, AssetPosition{
			Asset:     a,
			Balance:   balance,
			Reserved:  held,
			Spendable: money.Sub(balance, held),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// ReplayBalance recomputes one account's balance by folding its transaction
// log oldest-first and compares the result against the stored balance. Used
// by the audit endpoint and tests; a mismatch means the ledger's single-unit
// write invariant was violated somewhere.
func (s *Service) ReplayBalance(ctx context.Context, scope, userID, assetID string) (ReplayResult, error) {
	defer s.observe("replay_balance", time.Now())

	stored := money.Zero
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM accounts
		WHERE scope = $1 AND user_id = $2 AND asset = $3`,
		scope, userID, assetID).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return ReplayResult{}, fmt.Errorf("stored balance: %w", err)
	}
	stored = money.Normalize(stored)

	rows, err := s.db.QueryContext(ctx, `
		SELECT amount FROM transactions
		WHERE scope = $1 AND user_id = $2 AND asset = $3
		ORDER BY created_at ASC, id ASC`,
		scope, userID, assetID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("transaction log: %w", err)
	}
	defer rows.Close()

	replayed := money.Zero
	records := 0
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return ReplayResult{}, fmt.Errorf("scan amount: %w", err)
		}
		replayed = money.Add(replayed, amount)
		records++
	}
	if err := rows.Err(); err != nil {
		return ReplayResult{}, err
	}

	result := ReplayResult{
		Stored:   stored,
		Replayed: replayed,
		Records:  records,
		Match:    money.Cmp(stored, replayed) == 0,
	}
	if !result.Match {
		s.log.Error().
			Str("scope", scope).
			Str("user", userID).
			Str("asset", assetID).
			Str("stored", stored).
			Str("replayed", replayed).
			Msg("balance replay mismatch")
	}
	return result, nil
}

func (s *Service) observe(name string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(name).Inc()
	s.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
