package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GuildLedger/internal/asset"
	"GuildLedger/internal/money"
	"GuildLedger/internal/observability"
	"GuildLedger/internal/persistence"
)

// maxRetries bounds the read-compute-write cycle when the version-guarded
// update loses to a concurrent writer on the same account.
const maxRetries = 3

// Service is the balance ledger: the only component allowed to mutate
// account balances. Every mutation appends exactly one TransactionRecord in
// the same database transaction as the balance update.
type Service struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{db: db, log: log, metrics: metrics}
}

// CreditParams describes a balance increase.
type CreditParams struct {
	Scope       string
	UserID      string
	Asset       string
	Amount      string
	ExternalRef string // optional on-chain hash; deduplicated when set
	Kind        Kind
	Description string
}

// DebitParams describes a balance decrease.
type DebitParams struct {
	Scope       string
	UserID      string
	Asset       string
	Amount      string
	ExternalRef string // optional idempotency key; deduplicated when set
	Kind        Kind
	Description string
}

// GetBalance returns the current balance as a decimal string, "0" for
// accounts that have never been touched. Only a malformed asset identifier
// is an error.
func (s *Service) GetBalance(ctx context.Context, scope, userID, assetID string) (string, error) {
	if err := asset.Validate(assetID); err != nil {
		return money.Zero, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx, queryGetBalance, scope, userID, assetID).Scan(&raw)
	if err == sql.ErrNoRows {
		return money.Zero, nil
	}
	if err != nil {
		return money.Zero, fmt.Errorf("get balance: %w", err)
	}

	return s.sanitizeBalance(scope, userID, assetID, raw), nil
}

// Credit increases a balance. The account row is created lazily; the update
// and the transaction record commit as one unit. A duplicate ExternalRef
// fails with ErrDuplicateExternalRef before any balance change.
func (s *Service) Credit(ctx context.Context, p CreditParams) (string, error) {
	if err := asset.Validate(p.Asset); err != nil {
		return money.Zero, err
	}
	if !money.IsPositive(p.Amount) {
		return money.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, p.Amount)
	}

	return s.applyWithRetry(ctx, "credit", applyParams{
		scope:       p.Scope,
		userID:      p.UserID,
		asset:       p.Asset,
		amount:      money.Normalize(p.Amount),
		debit:       false,
		kind:        p.Kind,
		externalRef: p.ExternalRef,
		description: p.Description,
	})
}

// Debit decreases a balance. The sufficiency check and the write are atomic
// with respect to concurrent debits on the same account: the version guard
// forces the loser of a race to re-read before it can persist.
func (s *Service) Debit(ctx context.Context, p DebitParams) (string, error) {
	if err := asset.Validate(p.Asset); err != nil {
		return money.Zero, err
	}
	if !money.IsPositive(p.Amount) {
		return money.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, p.Amount)
	}

	return s.applyWithRetry(ctx, "debit", applyParams{
		scope:       p.Scope,
		userID:      p.UserID,
		asset:       p.Asset,
		amount:      money.Normalize(p.Amount),
		debit:       true,
		kind:        p.Kind,
		externalRef: p.ExternalRef,
		description: p.Description,
	})
}

// Transfer moves amount from one user to another within a scope. If the
// credit leg fails after the debit committed, the sender is made whole with
// a compensating refund recorded as its own transaction.
func (s *Service) Transfer(ctx context.Context, scope, fromUserID, toUserID, assetID, amount, description string) error {
	if _, err := s.Debit(ctx, DebitParams{
		Scope:       scope,
		UserID:      fromUserID,
		Asset:       assetID,
		Amount:      amount,
		Kind:        KindTransferOut,
		Description: description,
	}); err != nil {
		return err
	}

	if _, err := s.Credit(ctx, CreditParams{
		Scope:       scope,
		UserID:      toUserID,
		Asset:       assetID,
		Amount:      amount,
		Kind:        KindTransferIn,
		Description: description,
	}); err != nil {
		s.log.Error().Err(err).
			Str("scope", scope).
			Str("from", fromUserID).
			Str("to", toUserID).
			Str("amount", amount).
			Msg("transfer credit leg failed, refunding sender")

		if _, refundErr := s.Credit(ctx, CreditParams{
			Scope:       scope,
			UserID:      fromUserID,
			Asset:       assetID,
			Amount:      amount,
			Kind:        KindRefund,
			Description: "refund: " + description,
		}); refundErr != nil {
			s.log.Error().Err(refundErr).
				Str("scope", scope).
				Str("user", fromUserID).
				Msg("transfer refund failed, funds held in limbo")
			return fmt.Errorf("transfer credit failed (%v) and refund failed: %w", err, refundErr)
		}
		return fmt.Errorf("transfer credit failed, sender refunded: %w", err)
	}

	return nil
}

// History returns transaction records for one account, newest first.
func (s *Service) History(ctx context.Context, scope, userID, assetID string, limit, offset int) ([]TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, queryTransactionHistory, scope, userID, assetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("transaction history: %w", err)
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		var r TransactionRecord
		var extRef sql.NullString
		if err := rows.Scan(&r.ID, &r.Scope, &r.UserID, &r.Asset, &r.Amount,
			&r.BalanceBefore, &r.BalanceAfter, &r.Kind, &extRef,
			&r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		r.ExternalRef = extRef.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneTransactions deletes the oldest records beyond keep, returning the
// number removed. Retention maintenance, not a hot path.
func (s *Service) PruneTransactions(ctx context.Context, keep int) (int64, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, queryCountTransactions).Scan(&total); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	if total <= keep {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, queryPruneTransactions, total-keep)
	if err != nil {
		return 0, fmt.Errorf("prune transactions: %w", err)
	}
	return res.RowsAffected()
}

// --- internals ---

type applyParams struct {
	scope       string
	userID      string
	asset       string
	amount      string // normalized, always positive
	debit       bool
	kind        Kind
	externalRef string
	description string
}

func (s *Service) applyWithRetry(ctx context.Context, op string, p applyParams) (string, error) {
	start := time.Now()
	var newBalance string
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		newBalance, err = s.applyOnce(ctx, p)
		if errors.Is(err, ErrConcurrentModification) {
			if s.metrics != nil {
				s.metrics.LedgerRetries.Inc()
			}
			continue
		}
		break
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.LedgerOps.WithLabelValues(op, outcome).Inc()
		s.metrics.LedgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	return newBalance, err
}

// applyOnce performs one read-compute-write cycle. The conditional persist
// is a single version-guarded UPDATE scoped to the account row; zero rows
// affected means another writer got there first and the caller must retry
// from the read.
func (s *Service) applyOnce(ctx context.Context, p applyParams) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return money.Zero, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// A replayed external ref must be recognized before the balance check,
	// otherwise a retried operation whose first attempt already moved the
	// balance could fail as insufficient instead of as a duplicate. The
	// unique index on the insert below stays as the backstop for races.
	if p.externalRef != "" {
		var one int
		err := tx.QueryRowContext(ctx, queryExternalRefExists, p.externalRef).Scan(&one)
		switch {
		case err == nil:
			return money.Zero, fmt.Errorf("%w: %s", ErrDuplicateExternalRef, p.externalRef)
		case err != sql.ErrNoRows:
			return money.Zero, fmt.Errorf("check external ref: %w", err)
		}
	}

	var accountID, rawBalance string
	var version int64
	err = tx.QueryRowContext(ctx, queryGetAccount, p.scope, p.userID, p.asset).
		Scan(&accountID, &rawBalance, &version)
	switch {
	case err == sql.ErrNoRows:
		accountID = uuid.New().String()
		rawBalance = money.Zero
		version = 1
		if _, err := tx.ExecContext(ctx, queryInsertAccount,
			accountID, p.scope, p.userID, p.asset, money.Zero, "", version, now, now,
		); err != nil {
			if persistence.IsUniqueViolation(err) {
				// Lost the lazy-creation race; a row now exists to re-read.
				return money.Zero, ErrConcurrentModification
			}
			return money.Zero, fmt.Errorf("create account: %w", err)
		}
	case err != nil:
		return money.Zero, fmt.Errorf("read account: %w", err)
	}

	current := s.sanitizeBalance(p.scope, p.userID, p.asset, rawBalance)

	var newBalance, signedAmount string
	if p.debit {
		if money.Cmp(current, p.amount) < 0 {
			return money.Zero, &InsufficientBalanceError{Current: current, Required: p.amount}
		}
		newBalance = money.Sub(current, p.amount)
		signedAmount = money.Neg(p.amount)
	} else {
		newBalance = money.Add(current, p.amount)
		signedAmount = p.amount
	}

	extRef := sql.NullString{String: p.externalRef, Valid: p.externalRef != ""}
	if _, err := tx.ExecContext(ctx, queryInsertTransaction,
		uuid.New().String(), p.scope, p.userID, p.asset,
		signedAmount, current, newBalance, string(p.kind),
		extRef, p.description, now,
	); err != nil {
		if persistence.IsUniqueViolation(err) {
			return money.Zero, fmt.Errorf("%w: %s", ErrDuplicateExternalRef, p.externalRef)
		}
		return money.Zero, fmt.Errorf("append transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, queryUpdateBalance, newBalance, now, accountID, version)
	if err != nil {
		return money.Zero, fmt.Errorf("update balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return money.Zero, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return money.Zero, ErrConcurrentModification
	}

	if err := tx.Commit(); err != nil {
		return money.Zero, fmt.Errorf("commit: %w", err)
	}

	return newBalance, nil
}

// sanitizeBalance normalizes a stored balance, logging when a corrupt value
// (a literal "NaN" and friends) was found and corrected on read.
func (s *Service) sanitizeBalance(scope, userID, assetID, raw string) string {
	if !money.IsCorrupt(raw) {
		return raw
	}

	clean := money.Normalize(raw)
	s.log.Warn().
		Str("scope", scope).
		Str("user", userID).
		Str("asset", assetID).
		Str("stored", raw).
		Str("corrected", clean).
		Msg("corrupt balance sanitized on read")
	if s.metrics != nil {
		s.metrics.IntegrityCorrections.WithLabelValues("nan_balance").Inc()
	}
	return clean
}
