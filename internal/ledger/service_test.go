package ledger

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"GuildLedger/internal/asset"
	"GuildLedger/internal/money"
	"GuildLedger/internal/testutil"
)

const testAsset = "GOLD-1a2b3c"

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(testutil.OpenTestDB(t), zerolog.Nop(), nil)
}

func credit(t *testing.T, s *Service, user, amount string) string {
	t.Helper()
	balance, err := s.Credit(context.Background(), CreditParams{
		Scope:  "guild-1",
		UserID: user,
		Asset:  testAsset,
		Amount: amount,
		Kind:   KindDeposit,
	})
	if err != nil {
		t.Fatalf("credit %s to %s: %v", amount, user, err)
	}
	return balance
}

func TestGetBalanceUntouchedAccount(t *testing.T) {
	s := newTestService(t)

	balance, err := s.GetBalance(context.Background(), "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != "0" {
		t.Errorf("balance = %q, want 0", balance)
	}

	_, err = s.GetBalance(context.Background(), "guild-1", "alice", "not-an-asset")
	if !errors.Is(err, asset.ErrInvalidAssetIdentifier) {
		t.Errorf("err = %v, want ErrInvalidAssetIdentifier", err)
	}
}

func TestCreditDebitSequence(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if got := credit(t, s, "alice", "100"); got != "100" {
		t.Fatalf("balance after credit = %q, want 100", got)
	}

	balance, err := s.Debit(ctx, DebitParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "60", Kind: KindDeduction,
	})
	if err != nil {
		t.Fatalf("debit 60: %v", err)
	}
	if balance != "40" {
		t.Fatalf("balance after debit = %q, want 40", balance)
	}

	_, err = s.Debit(ctx, DebitParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "50", Kind: KindDeduction,
	})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientBalanceError", err)
	}
	if insufficient.Current != "40" || insufficient.Required != "50" {
		t.Errorf("error carries current=%q required=%q, want 40/50",
			insufficient.Current, insufficient.Required)
	}

	// The failed debit must leave no trace.
	balance, err = s.GetBalance(ctx, "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatal(err)
	}
	if balance != "40" {
		t.Errorf("balance after failed debit = %q, want 40", balance)
	}
}

func TestDebitDuplicateExternalRefIsRecognizedNotInsufficient(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	credit(t, s, "alice", "60")

	payment := DebitParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "50", ExternalRef: "settle-auction-1", Kind: KindReservationConvert,
	}
	if _, err := s.Debit(ctx, payment); err != nil {
		t.Fatalf("first debit: %v", err)
	}

	// A replay must surface as a duplicate even though the remaining balance
	// could no longer cover the amount, and must not move the balance again.
	_, err := s.Debit(ctx, payment)
	if !errors.Is(err, ErrDuplicateExternalRef) {
		t.Fatalf("replayed debit err = %v, want ErrDuplicateExternalRef", err)
	}

	balance, err := s.GetBalance(ctx, "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatal(err)
	}
	if balance != "10" {
		t.Errorf("balance = %q, want 10 after a single debit", balance)
	}
}

func TestCreditRejectsNonPositiveAmounts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "NaN", "", "abc"} {
		_, err := s.Credit(ctx, CreditParams{
			Scope: "guild-1", UserID: "alice", Asset: testAsset,
			Amount: amount, Kind: KindDeposit,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%q) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestDuplicateExternalRef(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit := CreditParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "25", ExternalRef: "txhash-001", Kind: KindDeposit,
	}
	if _, err := s.Credit(ctx, deposit); err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	_, err := s.Credit(ctx, deposit)
	if !errors.Is(err, ErrDuplicateExternalRef) {
		t.Fatalf("second deposit err = %v, want ErrDuplicateExternalRef", err)
	}

	balance, err := s.GetBalance(ctx, "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatal(err)
	}
	if balance != "25" {
		t.Errorf("balance after duplicate = %q, want 25", balance)
	}
}

func TestTransfer(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	credit(t, s, "alice", "100")

	if err := s.Transfer(ctx, "guild-1", "alice", "bob", testAsset, "30", "tip"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBal, _ := s.GetBalance(ctx, "guild-1", "alice", testAsset)
	bobBal, _ := s.GetBalance(ctx, "guild-1", "bob", testAsset)
	if aliceBal != "70" || bobBal != "30" {
		t.Errorf("balances after transfer: alice=%q bob=%q, want 70/30", aliceBal, bobBal)
	}

	// Conservation: total across the scope is unchanged by the transfer.
	if total := money.Add(aliceBal, bobBal); total != "100" {
		t.Errorf("total = %q, want 100", total)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	credit(t, s, "alice", "10")

	err := s.Transfer(ctx, "guild-1", "alice", "bob", testAsset, "30", "tip")
	if !IsInsufficientBalance(err) {
		t.Fatalf("err = %v, want insufficient balance", err)
	}

	bobBal, _ := s.GetBalance(ctx, "guild-1", "bob", testAsset)
	if bobBal != "0" {
		t.Errorf("bob balance = %q, want 0", bobBal)
	}
}

func TestHistory(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	credit(t, s, "alice", "100")
	if _, err := s.Debit(ctx, DebitParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "40", Kind: KindDeduction, Description: "shop purchase",
	}); err != nil {
		t.Fatal(err)
	}

	records, err := s.History(ctx, "guild-1", "alice", testAsset, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	// Newest first.
	newest := records[0]
	if newest.Kind != KindDeduction {
		t.Errorf("newest kind = %q, want %q", newest.Kind, KindDeduction)
	}
	if newest.Amount != "-40" {
		t.Errorf("newest amount = %q, want -40", newest.Amount)
	}
	if newest.BalanceBefore != "100" || newest.BalanceAfter != "60" {
		t.Errorf("audit fields = %q -> %q, want 100 -> 60",
			newest.BalanceBefore, newest.BalanceAfter)
	}
}

func TestPruneTransactions(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		credit(t, s, "alice", "1")
	}

	pruned, err := s.PruneTransactions(ctx, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}

	records, err := s.History(ctx, "guild-1", "alice", testAsset, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("records remaining = %d, want 2", len(records))
	}

	// Pruning below the bound is a no-op.
	pruned, err = s.PruneTransactions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("second prune = %d, want 0", pruned)
	}
}

func TestCorruptBalanceSanitizedOnRead(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s := NewService(db, zerolog.Nop(), nil)
	ctx := context.Background()

	if _, err := s.Credit(ctx, CreditParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "10", Kind: KindDeposit,
	}); err != nil {
		t.Fatal(err)
	}

	// Simulate the corruption the sanitizer exists for.
	if _, err := db.Exec(`UPDATE accounts SET balance = 'NaN'`); err != nil {
		t.Fatal(err)
	}

	balance, err := s.GetBalance(ctx, "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != "0" {
		t.Errorf("balance = %q, want 0", balance)
	}

	// A credit on top of the corrupt value treats it as zero.
	newBalance, err := s.Credit(ctx, CreditParams{
		Scope: "guild-1", UserID: "alice", Asset: testAsset,
		Amount: "5", Kind: KindDeposit,
	})
	if err != nil {
		t.Fatal(err)
	}
	if newBalance != "5" {
		t.Errorf("balance after credit over corruption = %q, want 5", newBalance)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	credit(t, s, "alice", "100")

	const workers = 4
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := s.Debit(ctx, DebitParams{
				Scope: "guild-1", UserID: "alice", Asset: testAsset,
				Amount: "30", Kind: KindDeduction,
			})
			results <- err
		}()
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case IsInsufficientBalance(err), errors.Is(err, ErrConcurrentModification):
		default:
			t.Errorf("unexpected debit error: %v", err)
		}
	}

	balance, err := s.GetBalance(ctx, "guild-1", "alice", testAsset)
	if err != nil {
		t.Fatal(err)
	}
	want := money.Sub("100", money.Mul("30", strconv.Itoa(succeeded)))
	if balance != want {
		t.Errorf("balance = %q, want %q after %d successful debits", balance, want, succeeded)
	}
	if money.Cmp(balance, "0") < 0 {
		t.Errorf("balance went negative: %q", balance)
	}
}
