package reservation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"GuildLedger/internal/ledger"
	"GuildLedger/internal/testutil"
)

const testAsset = "GOLD-1a2b3c"

func newTestServices(t *testing.T) (*Service, *ledger.Service, *sql.DB) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	ledgerSvc := ledger.NewService(db, zerolog.Nop(), nil)
	return NewService(db, ledgerSvc, zerolog.Nop(), nil), ledgerSvc, db
}

func fund(t *testing.T, l *ledger.Service, user, amount string) {
	t.Helper()
	if _, err := l.Credit(context.Background(), ledger.CreditParams{
		Scope: "guild-1", UserID: user, Asset: testAsset,
		Amount: amount, Kind: ledger.KindDeposit,
	}); err != nil {
		t.Fatalf("fund %s: %v", user, err)
	}
}

func countActive(t *testing.T, db *sql.DB, auctionID, user string) int {
	t.Helper()
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM reservations
		WHERE scope = 'guild-1' AND auction_id = $1 AND user_id = $2 AND status = 'ACTIVE'`,
		auctionID, user).Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestPlaceOrUpdateRaisesBid(t *testing.T) {
	s, l, db := newTestServices(t)
	ctx := context.Background()
	fund(t, l, "alice", "100")

	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "10"); err != nil {
		t.Fatalf("place: %v", err)
	}
	// Raising replaces the hold; it never stacks a second ACTIVE row.
	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "15"); err != nil {
		t.Fatalf("raise: %v", err)
	}

	if n := countActive(t, db, "auction-1", "alice"); n != 1 {
		t.Fatalf("active rows = %d, want 1", n)
	}

	total, err := s.TotalReserved(ctx, "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatal(err)
	}
	if total != "15" {
		t.Errorf("reserved = %q, want 15", total)
	}
}

func TestPlaceOrUpdateSpendableCheck(t *testing.T) {
	s, l, _ := newTestServices(t)
	ctx := context.Background()
	fund(t, l, "alice", "100")

	// A hold on one auction shrinks what can back a bid on another.
	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "80"); err != nil {
		t.Fatal(err)
	}

	err := s.PlaceOrUpdate(ctx, "guild-1", "auction-2", "alice", testAsset, "30")
	if !ledger.IsInsufficientBalance(err) {
		t.Fatalf("err = %v, want insufficient balance", err)
	}

	// Raising the existing bid excludes its own hold from the check, so a
	// raise up to the full balance is allowed.
	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "100"); err != nil {
		t.Fatalf("raise to full balance: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, l, db := newTestServices(t)
	ctx := context.Background()
	fund(t, l, "alice", "100")

	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "10"); err != nil {
		t.Fatal(err)
	}

	if err := s.Release(ctx, "guild-1", "auction-1", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Releasing again, or releasing something that never existed, is a no-op.
	if err := s.Release(ctx, "guild-1", "auction-1", "alice"); err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if err := s.Release(ctx, "guild-1", "auction-9", "nobody"); err != nil {
		t.Fatalf("release of nonexistent: %v", err)
	}

	if n := countActive(t, db, "auction-1", "alice"); n != 0 {
		t.Errorf("active rows after release = %d, want 0", n)
	}

	total, _ := s.TotalReserved(ctx, "guild-1", "alice", testAsset)
	if total != "0" {
		t.Errorf("reserved after release = %q, want 0", total)
	}
}

func TestConvert(t *testing.T) {
	s, l, _ := newTestServices(t)
	ctx := context.Background()
	fund(t, l, "alice", "100")

	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "40"); err != nil {
		t.Fatal(err)
	}

	assetID, amount, err := s.Convert(ctx, "guild-1", "auction-1", "alice")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if assetID != testAsset || amount != "40" {
		t.Errorf("convert returned %q/%q, want %s/40", assetID, amount, testAsset)
	}

	// Converted is terminal: a second convert finds nothing ACTIVE.
	_, _, err = s.Convert(ctx, "guild-1", "auction-1", "alice")
	if !errors.Is(err, ErrNoActiveReservation) {
		t.Errorf("second convert err = %v, want ErrNoActiveReservation", err)
	}
}

func TestGetPrefersLiveOrConvertedRow(t *testing.T) {
	s, l, _ := newTestServices(t)
	ctx := context.Background()
	fund(t, l, "alice", "100")

	if _, err := s.Get(ctx, "guild-1", "auction-1", "alice"); !errors.Is(err, ErrNoActiveReservation) {
		t.Errorf("get with no rows err = %v, want ErrNoActiveReservation", err)
	}

	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", testAsset, "40"); err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(ctx, "guild-1", "auction-1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != StatusActive || r.Amount != "40" {
		t.Errorf("got %s/%s, want ACTIVE/40", r.Status, r.Amount)
	}

	if _, _, err := s.Convert(ctx, "guild-1", "auction-1", "alice"); err != nil {
		t.Fatal(err)
	}
	r, err = s.Get(ctx, "guild-1", "auction-1", "alice")
	if err != nil {
		t.Fatalf("get after convert: %v", err)
	}
	if r.Status != StatusConverted || r.Amount != "40" {
		t.Errorf("got %s/%s, want CONVERTED/40", r.Status, r.Amount)
	}

	// A released hold is history, not something settlement can act on.
	if err := s.Release(ctx, "guild-1", "auction-2", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "guild-1", "auction-2", "alice"); !errors.Is(err, ErrNoActiveReservation) {
		t.Errorf("get on auction without a hold err = %v, want ErrNoActiveReservation", err)
	}
}

func TestReleaseAllForAuctionExceptWinner(t *testing.T) {
	s, l, db := newTestServices(t)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		fund(t, l, user, "100")
		if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", user, testAsset, "20"); err != nil {
			t.Fatalf("place for %s: %v", user, err)
		}
	}

	released, err := s.ReleaseAllForAuction(ctx, "guild-1", "auction-1", "bob")
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
	if n := countActive(t, db, "auction-1", "bob"); n != 1 {
		t.Errorf("winner hold released, want it kept")
	}
	if n := countActive(t, db, "auction-1", "alice"); n != 0 {
		t.Errorf("loser hold still active")
	}
}

func TestActiveForAuctionOrdersByAmount(t *testing.T) {
	s, l, _ := newTestServices(t)
	ctx := context.Background()

	bids := map[string]string{"alice": "10", "bob": "35", "carol": "20"}
	for user, amount := range bids {
		fund(t, l, user, "100")
		if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-1", user, testAsset, amount); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ActiveForAuction(ctx, "guild-1", "auction-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("len(active) = %d, want 3", len(active))
	}
	if active[0].UserID != "bob" || active[0].Amount != "35" {
		t.Errorf("top bid = %s/%s, want bob/35", active[0].UserID, active[0].Amount)
	}
}

func TestSweepStale(t *testing.T) {
	s, l, db := newTestServices(t)
	ctx := context.Background()

	fund(t, l, "alice", "100")

	now := time.Now().UTC()
	insertAuction := func(id string, dueAt time.Time) {
		if _, err := db.Exec(`
			INSERT INTO auctions (id, scope, seller_id, item_name, status, due_at, created_at, updated_at)
			VALUES ($1, 'guild-1', 'seller', '', 'FINISHED', $2, $3, $3)`,
			id, dueAt, now); err != nil {
			t.Fatal(err)
		}
	}
	insertAuction("auction-old", now.Add(-10*24*time.Hour))
	insertAuction("auction-recent", now.Add(-time.Hour))

	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-old", "alice", testAsset, "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.PlaceOrUpdate(ctx, "guild-1", "auction-recent", "alice", testAsset, "10"); err != nil {
		t.Fatal(err)
	}

	released, err := s.SweepStale(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
	if n := countActive(t, db, "auction-old", "alice"); n != 0 {
		t.Errorf("stale hold survived the sweep")
	}
	if n := countActive(t, db, "auction-recent", "alice"); n != 1 {
		t.Errorf("fresh hold was swept")
	}
}
