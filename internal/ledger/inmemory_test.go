package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcdash/btcledger/internal/money"
)

func seedAccount(t *testing.T, s *MemoryStore, id string) Account {
	t.Helper()
	a := Account{ID: id, OwnerID: "owner-" + id, Currency: money.BTC, Version: 1, Status: AccountActive, CreatedAt: t0}
	if err := s.CreateAccount(context.Background(), a, nil); err != nil {
		t.Fatalf("create account %s: %v", id, err)
	}
	return a
}

func TestMemoryStoreRejectsDuplicateAccounts(t *testing.T) {
	s := NewMemoryStore()
	a := seedAccount(t, s, "a")

	if err := s.CreateAccount(context.Background(), a, nil); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists for same id, got %v", err)
	}
	twin := a
	twin.ID = "b"
	if err := s.CreateAccount(context.Background(), twin, nil); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists for same owner and currency, got %v", err)
	}
}

func TestMemoryStoreAtomicRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	a := seedAccount(t, s, "a")
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Atomic(ctx, []string{a.ID}, func(tx Tx) error {
		if _, err := tx.Append(Entry{ID: "e1", AccountID: a.ID, Delta: 10, IdempotencyKey: "k1", CreatedAt: t0}, t0); err != nil {
			return err
		}
		a.CachedBalance = 10
		a.Version = 2
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	got, _ := s.GetAccount(ctx, a.ID)
	if got.CachedBalance != 0 || got.Version != 1 {
		t.Fatalf("expected no staged writes to leak, got %+v", got)
	}
	entries, _ := s.Entries(ctx, a.ID, 0, 10)
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestMemoryStoreVersionCAS(t *testing.T) {
	s := NewMemoryStore()
	a := seedAccount(t, s, "a")

	err := s.Atomic(context.Background(), []string{a.ID}, func(tx Tx) error {
		stale := a
		stale.Version = 5
		return tx.PutAccount(stale)
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict got %v", err)
	}
}

func TestMemoryStoreAppendAssignsSequenceAndDedupes(t *testing.T) {
	s := NewMemoryStore()
	a := seedAccount(t, s, "a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Atomic(ctx, []string{a.ID}, func(tx Tx) error {
			e, err := tx.Append(Entry{ID: fmt.Sprintf("e%d", i), AccountID: a.ID, Delta: 1, IdempotencyKey: fmt.Sprintf("k%d", i), CreatedAt: t0}, t0.Add(-time.Hour))
			if err != nil {
				return err
			}
			if e.Seq != int64(i+1) {
				return fmt.Errorf("expected seq %d got %d", i+1, e.Seq)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	err := s.Atomic(ctx, []string{a.ID}, func(tx Tx) error {
		e, err := tx.Append(Entry{ID: "dup", AccountID: a.ID, Delta: 1, IdempotencyKey: "k1", CreatedAt: t0}, t0.Add(-time.Hour))
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("expected duplicate signal, got %v", err)
		}
		if e.ID != "e1" {
			return fmt.Errorf("expected the prior entry, got %s", e.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}

	entries, _ := s.Entries(ctx, a.ID, 1, 10)
	if len(entries) != 2 || entries[0].Seq != 2 {
		t.Fatalf("unexpected entries after seq 1: %+v", entries)
	}
}

func TestMemoryStoreScopesTransactions(t *testing.T) {
	s := NewMemoryStore()
	a := seedAccount(t, s, "a")
	b := seedAccount(t, s, "b")

	err := s.Atomic(context.Background(), []string{a.ID}, func(tx Tx) error {
		_, err := tx.Account(b.ID)
		return err
	})
	if err == nil {
		t.Fatalf("expected out-of-scope access to fail")
	}

	if err := s.Atomic(context.Background(), []string{"missing"}, func(Tx) error { return nil }); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound got %v", err)
	}
}

func TestMemoryStoreMultiAccountAtomicDoesNotDeadlock(t *testing.T) {
	s := NewMemoryStore()
	a := seedAccount(t, s, "a")
	b := seedAccount(t, s, "b")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		ids := []string{a.ID, b.ID}
		if i%2 == 1 {
			ids = []string{b.ID, a.ID}
		}
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			_ = s.Atomic(context.Background(), ids, func(tx Tx) error {
				_, err := tx.Account(ids[0])
				return err
			})
		}(ids)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("atomic sections deadlocked")
	}
}
