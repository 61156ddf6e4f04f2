package nft

import (
	"errors"
	"time"
)

// Holding is one ownership row for a unique or semi-fungible asset. At most
// one row may exist per (scope, user, collection, token); duplicates are a
// data-integrity violation that Repair detects and merges.
type Holding struct {
	ID              string
	Scope           string
	UserID          string
	Collection      string
	TokenIdentifier string
	Nonce           int64
	Quantity        int64
	Staked          bool
	DisplayName     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RepairReport summarizes a duplicate-row repair pass.
type RepairReport struct {
	MergedRows         int // duplicate rows folded into the earliest row
	QuantityCorrection int // unique-asset rows clamped back to quantity 1
}

var (
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInsufficientQuantity is returned when a debit exceeds the held
	// quantity.
	ErrInsufficientQuantity = errors.New("insufficient holding quantity")
)
