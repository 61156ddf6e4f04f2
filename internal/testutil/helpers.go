package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// schema mirrors migrations/ in the SQL subset shared by Postgres and
// SQLite, so store tests run the production statements against an in-memory
// database. Keep in sync when a migration changes.
const schema = `
CREATE TABLE accounts (
    id            TEXT PRIMARY KEY,
    scope         TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    asset         TEXT NOT NULL,
    balance       TEXT NOT NULL DEFAULT '0',
    display_label TEXT NOT NULL DEFAULT '',
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    UNIQUE (scope, user_id, asset)
);

CREATE TABLE transactions (
    id             TEXT PRIMARY KEY,
    scope          TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    asset          TEXT NOT NULL,
    amount         TEXT NOT NULL,
    balance_before TEXT NOT NULL,
    balance_after  TEXT NOT NULL,
    kind           TEXT NOT NULL,
    external_ref   TEXT,
    description    TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL
);

CREATE INDEX idx_transactions_account
    ON transactions (scope, user_id, asset, created_at);

CREATE UNIQUE INDEX idx_transactions_external_ref
    ON transactions (external_ref)
    WHERE external_ref IS NOT NULL;

CREATE TABLE nft_holdings (
    id               TEXT PRIMARY KEY,
    scope            TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    collection       TEXT NOT NULL,
    token_identifier TEXT NOT NULL,
    nonce            BIGINT NOT NULL DEFAULT 0,
    quantity         BIGINT NOT NULL DEFAULT 1,
    staked           BOOLEAN NOT NULL DEFAULT FALSE,
    display_name     TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL
);

CREATE INDEX idx_nft_holdings_key
    ON nft_holdings (scope, user_id, collection, token_identifier);

CREATE TABLE reservations (
    id          TEXT PRIMARY KEY,
    scope       TEXT NOT NULL,
    auction_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    asset       TEXT NOT NULL,
    amount      TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL,
    released_at TIMESTAMP
);

CREATE UNIQUE INDEX idx_reservations_one_active
    ON reservations (scope, auction_id, user_id)
    WHERE status = 'ACTIVE';

CREATE INDEX idx_reservations_user_asset
    ON reservations (scope, user_id, asset, status);

CREATE INDEX idx_reservations_auction
    ON reservations (scope, auction_id, status);

CREATE TABLE auctions (
    id         TEXT PRIMARY KEY,
    scope      TEXT NOT NULL,
    seller_id  TEXT NOT NULL,
    item_name  TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    winner_id  TEXT,
    due_at     TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX idx_auctions_due ON auctions (status, due_at);

CREATE TABLE lotteries (
    id           TEXT PRIMARY KEY,
    scope        TEXT NOT NULL,
    asset        TEXT NOT NULL,
    ticket_price TEXT NOT NULL,
    pot          TEXT NOT NULL DEFAULT '0',
    status       TEXT NOT NULL,
    winner_id    TEXT,
    seed         BIGINT,
    due_at       TIMESTAMP NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX idx_lotteries_due ON lotteries (status, due_at);

CREATE TABLE lottery_entries (
    id         TEXT PRIMARY KEY,
    lottery_id TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX idx_lottery_entries_lottery ON lottery_entries (lottery_id);

CREATE TABLE deposit_addresses (
    id         TEXT PRIMARY KEY,
    scope      TEXT NOT NULL,
    address    TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (scope, address)
);
`

// OpenTestDB returns an in-memory SQLite database with the full schema
// applied. MaxOpenConns is pinned to 1 so every statement sees the same
// in-memory database and concurrent tests serialize instead of racing the
// driver.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("apply schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}
