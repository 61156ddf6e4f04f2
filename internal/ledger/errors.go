package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned when an operation amount is not a
	// strictly positive decimal string.
	ErrInvalidAmount = errors.New("amount must be a positive decimal")

	// ErrDuplicateExternalRef is returned when a credit carries an external
	// reference that was already recorded. Deposit ingestion treats this as
	// an idempotent success.
	ErrDuplicateExternalRef = errors.New("external reference already recorded")

	// ErrConcurrentModification is returned after the bounded retry budget
	// for the version-guarded balance update is exhausted.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// InsufficientBalanceError reports a debit that would overdraw an account.
// It carries the balance at check time and the amount that was required, so
// callers can surface an actionable message.
type InsufficientBalanceError struct {
	Current  string
	Required string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Current, e.Required)
}

// IsInsufficientBalance reports whether err is an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}
