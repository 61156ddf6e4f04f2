package ledger

import "time"

// Kind classifies a transaction record.
type Kind string

const (
	KindDeposit            Kind = "deposit"
	KindDeduction          Kind = "deduction"
	KindTransferIn         Kind = "transfer_in"
	KindTransferOut        Kind = "transfer_out"
	KindRefund             Kind = "refund"
	KindReservationRelease Kind = "reservation_release"
	KindReservationConvert Kind = "reservation_convert"
)

// Account is one (scope, user, asset) balance row. Accounts are created
// lazily on first touch and never deleted, only zeroed.
type Account struct {
	ID           string
	Scope        string
	UserID       string
	Asset        string
	Balance      string
	DisplayLabel string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransactionRecord is one immutable entry in the append-only log.
// BalanceAfter always equals BalanceBefore plus Amount; replaying an
// account's records in timestamp order reproduces its current balance.
type TransactionRecord struct {
	ID            string
	Scope         string
	UserID        string
	Asset         string
	Amount        string
	BalanceBefore string
	BalanceAfter  string
	Kind          Kind
	ExternalRef   string
	Description   string
	CreatedAt     time.Time
}
