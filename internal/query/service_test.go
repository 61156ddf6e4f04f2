package query

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"

	"GuildLedger/internal/ledger"
	"GuildLedger/internal/reservation"
	"GuildLedger/internal/testutil"
)

const (
	goldAsset = "GOLD-1a2b3c"
	gemAsset  = "GEMS-9f8e7d"
)

func newTestServices(t *testing.T) (*Service, *ledger.Service, *reservation.Service, *sql.DB) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	ledgerSvc := ledger.NewService(db, zerolog.Nop(), nil)
	reservationSvc := reservation.NewService(db, ledgerSvc, zerolog.Nop(), nil)
	return NewService(db, zerolog.Nop(), nil), ledgerSvc, reservationSvc, db
}

func fund(t *testing.T, l *ledger.Service, user, assetID, amount string) {
	t.Helper()
	if _, err := l.Credit(context.Background(), ledger.CreditParams{
		Scope: "guild-1", UserID: user, Asset: assetID,
		Amount: amount, Kind: ledger.KindDeposit,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestScopeSummary(t *testing.T) {
	s, l, _, _ := newTestServices(t)
	ctx := context.Background()

	fund(t, l, "alice", goldAsset, "100")
	fund(t, l, "bob", goldAsset, "50")
	fund(t, l, "alice", gemAsset, "7.5")

	totals, err := s.ScopeSummary(ctx, "guild-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("len(totals) = %d, want 2", len(totals))
	}

	// Sorted by asset: GEMS before GOLD.
	if totals[0].Asset != gemAsset || totals[0].Total != "7.5" || totals[0].Accounts != 1 {
		t.Errorf("gems total = %+v, want 7.5 across 1 account", totals[0])
	}
	if totals[1].Asset != goldAsset || totals[1].Total != "150" || totals[1].Accounts != 2 {
		t.Errorf("gold total = %+v, want 150 across 2 accounts", totals[1])
	}

	empty, err := s.ScopeSummary(ctx, "guild-other")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("foreign scope leaked totals: %+v", empty)
	}
}

func TestUserOverview(t *testing.T) {
	s, l, r, _ := newTestServices(t)
	ctx := context.Background()

	fund(t, l, "alice", goldAsset, "100")
	if err := r.PlaceOrUpdate(ctx, "guild-1", "auction-1", "alice", goldAsset, "30"); err != nil {
		t.Fatal(err)
	}

	positions, err := s.UserOverview(ctx, "guild-1", "alice")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}

	p := positions[0]
	if p.Balance != "100" || p.Reserved != "30" || p.Spendable != "70" {
		t.Errorf("position = %+v, want balance 100, reserved 30, spendable 70", p)
	}
}

func TestReplayBalanceMatches(t *testing.T) {
	s, l, _, _ := newTestServices(t)
	ctx := context.Background()

	fund(t, l, "alice", goldAsset, "100")
	if _, err := l.Debit(ctx, ledger.DebitParams{
		Scope: "guild-1", UserID: "alice", Asset: goldAsset,
		Amount: "40", Kind: ledger.KindDeduction,
	}); err != nil {
		t.Fatal(err)
	}

	result, err := s.ReplayBalance(ctx, "guild-1", "alice", goldAsset)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !result.Match {
		t.Errorf("replay mismatch: stored %q, replayed %q", result.Stored, result.Replayed)
	}
	if result.Records != 2 {
		t.Errorf("records = %d, want 2", result.Records)
	}
	if result.Replayed != "60" {
		t.Errorf("replayed = %q, want 60", result.Replayed)
	}
}

func TestReplayBalanceDetectsDrift(t *testing.T) {
	s, l, _, db := newTestServices(t)
	ctx := context.Background()

	fund(t, l, "alice", goldAsset, "100")

	// Corrupt the stored balance behind the ledger's back.
	if _, err := db.Exec(`UPDATE accounts SET balance = '999'`); err != nil {
		t.Fatal(err)
	}

	result, err := s.ReplayBalance(ctx, "guild-1", "alice", goldAsset)
	if err != nil {
		t.Fatal(err)
	}
	if result.Match {
		t.Error("replay failed to detect a tampered balance")
	}
	if result.Stored != "999" || result.Replayed != "100" {
		t.Errorf("result = %+v, want stored 999 / replayed 100", result)
	}
}
