package ingestion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownAddress is returned when a deposit address is not registered to
// any user.
var ErrUnknownAddress = errors.New("unknown deposit address")

// AddressBook maps custodial deposit addresses to users. Addresses are
// unique per scope; re-registering an address moves it to the new user.
type AddressBook struct {
	db *sql.DB
}

func NewAddressBook(db *sql.DB) *AddressBook {
	return &AddressBook{db: db}
}

// Register binds a deposit address to a user within a scope.
func (b *AddressBook) Register(ctx context.Context, scope, address, userID string) error {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE deposit_addresses SET user_id = $1, updated_at = $2
		WHERE scope = $3 AND address = $4`,
		userID, now, scope, address)
	if err != nil {
		return fmt.Errorf("update deposit address: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (id, scope, address, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), scope, address, userID, now, now)
	if err != nil {
		return fmt.Errorf("insert deposit address: %w", err)
	}
	return nil
}

// Resolve returns the user a deposit address belongs to.
func (b *AddressBook) Resolve(ctx context.Context, scope, address string) (string, error) {
	var userID string
	err := b.db.QueryRowContext(ctx, `
		SELECT user_id FROM deposit_addresses
		WHERE scope = $1 AND address = $2`,
		scope, address).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	if err != nil {
		return "", fmt.Errorf("resolve deposit address: %w", err)
	}
	return userID, nil
}
