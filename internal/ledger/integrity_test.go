package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/notification"
)

func TestReconcileMatchingAccount(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "user-1", money.BTC)
	f.deposit(t, a, 700, "dep")

	r, err := f.svc.Reconcile(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !r.Match || r.Cached != 700 || r.Replayed != 700 {
		t.Fatalf("unexpected reconciliation: %+v", r)
	}
}

func TestReconcileMismatchFailsClosed(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "user-1", money.BTC)
	f.deposit(t, a, 700, "dep")
	ctx := context.Background()

	SetCachedBalance(f.store, a.ID, 900)

	r, err := f.svc.Reconcile(ctx, a.ID)
	if !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected ErrLedgerIntegrity got %v", err)
	}
	if r.Match || r.Status != AccountIntegrityHold || r.Replayed != 700 {
		t.Fatalf("unexpected reconciliation: %+v", r)
	}
	if f.notifier.Count(notification.KindIntegrityAlert) != 1 {
		t.Fatalf("expected an integrity alert")
	}

	// The cache is never silently corrected.
	acct, _ := f.svc.GetAccount(ctx, a.ID)
	if acct.CachedBalance != 900 {
		t.Fatalf("expected cached balance to be left alone, got %d", acct.CachedBalance)
	}

	if _, err := f.svc.ReserveWithdrawal(ctx, ReserveInput{AccountID: a.ID, Amount: money.New(1, money.BTC)}); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected reserve to be refused, got %v", err)
	}
	if _, err := f.svc.Debit(ctx, DebitInput{AccountID: a.ID, Amount: money.New(1, money.BTC)}); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected debit to be refused, got %v", err)
	}
	if _, err := f.svc.Credit(ctx, CreditInput{AccountID: a.ID, Amount: money.New(1, money.BTC)}); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected credit to be refused, got %v", err)
	}

	// A second pass reports the mismatch again without another alert.
	if _, err := f.svc.Reconcile(ctx, a.ID); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected mismatch to persist, got %v", err)
	}
	if f.notifier.Count(notification.KindIntegrityAlert) != 1 {
		t.Fatalf("expected a single alert per hold")
	}

	resolved, err := f.svc.ResolveIntegrityHold(ctx, a.ID, "ops@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != AccountActive || resolved.CachedBalance != 700 {
		t.Fatalf("unexpected resolved account: %+v", resolved)
	}
	if _, err := f.svc.Reconcile(ctx, a.ID); err != nil {
		t.Fatalf("expected clean reconcile after resolution, got %v", err)
	}
}

func TestCommitRefusedOnIntegrityHold(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "user-1", money.BTC)
	f.deposit(t, a, 700, "dep")
	ctx := context.Background()

	r, err := f.svc.ReserveWithdrawal(ctx, ReserveInput{AccountID: a.ID, Amount: money.New(100, money.BTC)})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	SetCachedBalance(f.store, a.ID, 1)
	if _, err := f.svc.Reconcile(ctx, a.ID); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := f.svc.CommitWithdrawal(ctx, r.ID, testAddress); !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected commit to fail closed, got %v", err)
	}
}

func TestReconcileAllReportsMismatches(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var bad Account
	for i, owner := range []string{"a", "b", "c", "d", "e"} {
		acct := f.open(t, owner, money.USD)
		f.deposit(t, acct, int64(100*(i+1)), "dep")
		if owner == "c" {
			bad = acct
		}
	}
	SetCachedBalance(f.store, bad.ID, 5)

	mismatches, err := f.svc.ReconcileAll(ctx, 2)
	if err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].AccountID != bad.ID {
		t.Fatalf("expected one mismatch for %s, got %+v", bad.ID, mismatches)
	}
}
