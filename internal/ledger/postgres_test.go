package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/btcdash/btcledger/internal/logging"
)

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "08006"}, true},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), true},
		{&pgconn.PgError{Code: "23505"}, false},
		{ErrInsufficientFunds, false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := transient(tc.err); got != tc.want {
			t.Fatalf("transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryGivesUpWithLedgerUnavailable(t *testing.T) {
	s := NewPostgresStore(nil, PostgresOptions{MaxRetries: 3, RetryBase: time.Millisecond, Logger: logging.Discard()})

	calls := 0
	err := s.retry(context.Background(), "test", func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", calls)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	s := NewPostgresStore(nil, PostgresOptions{MaxRetries: 3, RetryBase: time.Millisecond, Logger: logging.Discard()})

	calls := 0
	err := s.retry(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPassesDomainErrorsThrough(t *testing.T) {
	s := NewPostgresStore(nil, PostgresOptions{MaxRetries: 3, RetryBase: time.Millisecond, Logger: logging.Discard()})

	calls := 0
	err := s.retry(context.Background(), "test", func(context.Context) error {
		calls++
		return ErrInsufficientFunds
	})
	if !errors.Is(err, ErrInsufficientFunds) || calls != 1 {
		t.Fatalf("expected a single attempt returning the domain error, got %v after %d calls", err, calls)
	}
}

func TestSchemaKeepsEntriesAppendOnly(t *testing.T) {
	for _, want := range []string{
		"CHECK (cached_balance >= 0)",
		"UNIQUE (account_id, seq)",
		"ON UPDATE TO ledger_entries DO INSTEAD NOTHING",
		"ON DELETE TO ledger_entries DO INSTEAD NOTHING",
	} {
		if !strings.Contains(schemaSQL, want) {
			t.Fatalf("schema is missing %q", want)
		}
	}
}
