package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/btcdash/btcledger/internal/metrics"
	"github.com/btcdash/btcledger/internal/money"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the ledger schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// PostgresOptions bounds the adapter's retry loop.
type PostgresOptions struct {
	MaxRetries int
	RetryBase  time.Duration
	Logger     *slog.Logger
}

// PostgresStore persists the ledger in PostgreSQL. Atomic runs fn inside one
// transaction holding FOR UPDATE locks on the account rows, taken in id order.
type PostgresStore struct {
	db         *pgxpool.Pool
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool, opts PostgresOptions) *PostgresStore {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PostgresStore{db: db, maxRetries: opts.MaxRetries, retryBase: opts.RetryBase, logger: opts.Logger}
}

func (s *PostgresStore) Close() { s.db.Close() }

// transient reports whether err is worth retrying: lost connections,
// serialization failures and deadlocks.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// retry runs op, retrying transient failures with exponential backoff.
// Exhausted retries surface as ErrLedgerUnavailable.
func (s *PostgresStore) retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	delay := s.retryBase
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !transient(err) {
			return err
		}
		if attempt >= s.maxRetries {
			s.logger.Error("ledger store unavailable", "operation", name, "attempts", attempt+1, "error", err)
			return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, name, err)
		}
		metrics.StoreRetries.Inc()
		s.logger.Warn("ledger store retry", "operation", name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	accountColumns     = `id, owner_id, currency, cached_balance, version, status, created_at, updated_at`
	entryColumns       = `id, account_id, seq, currency, delta, kind, tx_ref, reservation_id, rate, idempotency_key, created_at`
	reservationColumns = `id, account_id, currency, amount, fee, state, destination, expires_at, created_at, updated_at`
	lockColumns        = `id, account_id, unlock_at, reason, created_at`
)

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var currency, status string
	if err := row.Scan(&a.ID, &a.OwnerID, &currency, &a.CachedBalance, &a.Version, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.Currency = money.Currency(currency)
	a.Status = AccountStatus(status)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var currency, kind string
	if err := row.Scan(&e.ID, &e.AccountID, &e.Seq, &currency, &e.Delta, &kind, &e.TxRef, &e.ReservationID, &e.Rate, &e.IdempotencyKey, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	e.Currency = money.Currency(currency)
	e.Kind = EntryKind(kind)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var r Reservation
	var currency, state string
	var amount, fee int64
	if err := row.Scan(&r.ID, &r.AccountID, &currency, &amount, &fee, &state, &r.Destination, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}
	c := money.Currency(currency)
	r.Amount = money.New(amount, c)
	r.Fee = money.New(fee, c)
	r.State = ReservationState(state)
	r.ExpiresAt, r.CreatedAt, r.UpdatedAt = r.ExpiresAt.UTC(), r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, nil
}

func scanLock(row pgx.Row) (Lock, error) {
	var l Lock
	var reason string
	if err := row.Scan(&l.ID, &l.AccountID, &l.UnlockAt, &reason, &l.CreatedAt); err != nil {
		return Lock{}, err
	}
	l.Reason = LockReason(reason)
	l.UnlockAt, l.CreatedAt = l.UnlockAt.UTC(), l.CreatedAt.UTC()
	return l, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account Account, locks []Lock) error {
	return s.retry(ctx, "create_account", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) // nolint:errcheck

		_, err = tx.Exec(ctx, `INSERT INTO ledger_accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			account.ID, account.OwnerID, string(account.Currency), account.CachedBalance, account.Version, string(account.Status), account.CreatedAt, account.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrAccountExists
			}
			return err
		}
		for _, l := range locks {
			if err := insertLock(ctx, tx, l); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var out Account
	err := s.retry(ctx, "get_account", func(ctx context.Context) error {
		var err error
		out, err = scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, id))
		return err
	})
	return out, err
}

func (s *PostgresStore) FindAccount(ctx context.Context, ownerID string, currency money.Currency) (Account, error) {
	var out Account
	err := s.retry(ctx, "find_account", func(ctx context.Context) error {
		var err error
		out, err = scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE owner_id = $1 AND currency = $2`, ownerID, string(currency)))
		return err
	})
	return out, err
}

func (s *PostgresStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]Account, error) {
	var out []Account
	err := s.retry(ctx, "list_accounts", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
		if err != nil {
			return err
		}
		out, err = collect(rows, scanAccount)
		return err
	})
	return out, err
}

func (s *PostgresStore) Entries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error) {
	var out []Entry
	err := s.retry(ctx, "entries", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
            WHERE account_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`, accountID, afterSeq, limit)
		if err != nil {
			return err
		}
		out, err = collect(rows, scanEntry)
		if err != nil || len(out) > 0 {
			return err
		}
		_, err = scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, accountID))
		return err
	})
	if out == nil && err == nil {
		out = []Entry{}
	}
	return out, err
}

func (s *PostgresStore) Locks(ctx context.Context, accountID string) ([]Lock, error) {
	var out []Lock
	err := s.retry(ctx, "locks", func(ctx context.Context) error {
		if _, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, accountID)); err != nil {
			return err
		}
		var err error
		out, err = selectLocks(ctx, s.db, accountID)
		return err
	})
	return out, err
}

func (s *PostgresStore) HeldReservations(ctx context.Context, accountID string) ([]Reservation, error) {
	var out []Reservation
	err := s.retry(ctx, "held_reservations", func(ctx context.Context) error {
		var err error
		out, err = selectHeld(ctx, s.db, accountID)
		return err
	})
	return out, err
}

func (s *PostgresStore) ReservationAccount(ctx context.Context, reservationID string) (string, error) {
	var accountID string
	err := s.retry(ctx, "reservation_account", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `SELECT account_id FROM withdrawal_reservations WHERE id = $1`, reservationID).Scan(&accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		return err
	})
	return accountID, err
}

func (s *PostgresStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	var out []Reservation
	err := s.retry(ctx, "expired_reservations", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT `+reservationColumns+` FROM withdrawal_reservations
            WHERE state = 'held' AND expires_at <= $1 ORDER BY expires_at LIMIT $2`, now, limit)
		if err != nil {
			return err
		}
		out, err = collect(rows, scanReservation)
		return err
	})
	return out, err
}

// Atomic locks the account rows and runs fn in a single transaction. The
// whole unit is retried on transient failures, so fn must be re-runnable.
func (s *PostgresStore) Atomic(ctx context.Context, accountIDs []string, fn func(tx Tx) error) error {
	ids := uniqueSorted(accountIDs)
	return s.retry(ctx, "atomic", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) // nolint:errcheck

		rows, err := tx.Query(ctx, `SELECT id FROM ledger_accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return err
		}
		locked, err := collect(rows, func(row pgx.Row) (string, error) {
			var id string
			err := row.Scan(&id)
			return id, err
		})
		if err != nil {
			return err
		}
		if len(locked) != len(ids) {
			return ErrAccountNotFound
		}

		scope := make(map[string]bool, len(ids))
		for _, id := range ids {
			scope[id] = true
		}
		if err := fn(&pgTx{ctx: ctx, tx: tx, scope: scope}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

type pgTx struct {
	ctx   context.Context
	tx    pgx.Tx
	scope map[string]bool
}

func (t *pgTx) inScope(accountID string) error {
	if !t.scope[accountID] {
		return fmt.Errorf("account %s is not part of this transaction", accountID)
	}
	return nil
}

func (t *pgTx) Account(id string) (Account, error) {
	if err := t.inScope(id); err != nil {
		return Account{}, err
	}
	return scanAccount(t.tx.QueryRow(t.ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, id))
}

func (t *pgTx) PutAccount(a Account) error {
	if err := t.inScope(a.ID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx, `UPDATE ledger_accounts
        SET cached_balance = $2, version = $3, status = $4, updated_at = $5
        WHERE id = $1 AND version = $3 - 1`,
		a.ID, a.CachedBalance, a.Version, string(a.Status), a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *pgTx) Append(e Entry, since time.Time) (Entry, error) {
	if err := t.inScope(e.AccountID); err != nil {
		return Entry{}, err
	}
	if prior, err := t.EntryByKey(e.AccountID, e.IdempotencyKey, since); err == nil {
		return prior, ErrDuplicateIdempotencyKey
	} else if !errors.Is(err, ErrEntryNotFound) {
		return Entry{}, err
	}

	// The account row lock serializes appends, so MAX(seq)+1 is safe here.
	if err := t.tx.QueryRow(t.ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries WHERE account_id = $1`, e.AccountID).Scan(&e.Seq); err != nil {
		return Entry{}, err
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO ledger_entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.AccountID, e.Seq, string(e.Currency), e.Delta, string(e.Kind), e.TxRef, e.ReservationID, e.Rate, e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (t *pgTx) EntryByKey(accountID, key string, since time.Time) (Entry, error) {
	if err := t.inScope(accountID); err != nil {
		return Entry{}, err
	}
	return scanEntry(t.tx.QueryRow(t.ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE account_id = $1 AND idempotency_key = $2 AND created_at >= $3
        ORDER BY seq DESC LIMIT 1`, accountID, key, since))
}

func (t *pgTx) Entry(accountID, entryID string) (Entry, error) {
	if err := t.inScope(accountID); err != nil {
		return Entry{}, err
	}
	return scanEntry(t.tx.QueryRow(t.ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 AND id = $2`, accountID, entryID))
}

func (t *pgTx) SumDeltas(accountID string) (int64, error) {
	if err := t.inScope(accountID); err != nil {
		return 0, err
	}
	var sum int64
	err := t.tx.QueryRow(t.ctx, `SELECT COALESCE(SUM(delta), 0)::BIGINT FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&sum)
	return sum, err
}

func (t *pgTx) HeldReservations(accountID string) ([]Reservation, error) {
	if err := t.inScope(accountID); err != nil {
		return nil, err
	}
	return selectHeld(t.ctx, t.tx, accountID)
}

func (t *pgTx) Reservation(id string) (Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(t.ctx, `SELECT `+reservationColumns+` FROM withdrawal_reservations WHERE id = $1`, id))
	if err != nil {
		return Reservation{}, err
	}
	if err := t.inScope(r.AccountID); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

func (t *pgTx) PutReservation(r Reservation) error {
	if err := t.inScope(r.AccountID); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO withdrawal_reservations (`+reservationColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, destination = EXCLUDED.destination, updated_at = EXCLUDED.updated_at`,
		r.ID, r.AccountID, string(r.Amount.Currency), r.Amount.Amount, r.Fee.Amount, string(r.State), r.Destination, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) AddLock(l Lock) error {
	if err := t.inScope(l.AccountID); err != nil {
		return err
	}
	return insertLock(t.ctx, t.tx, l)
}

func (t *pgTx) Locks(accountID string) ([]Lock, error) {
	if err := t.inScope(accountID); err != nil {
		return nil, err
	}
	return selectLocks(t.ctx, t.tx, accountID)
}

func insertLock(ctx context.Context, q querier, l Lock) error {
	_, err := q.Exec(ctx, `INSERT INTO withdrawal_locks (`+lockColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		l.ID, l.AccountID, l.UnlockAt, string(l.Reason), l.CreatedAt)
	return err
}

func selectLocks(ctx context.Context, q querier, accountID string) ([]Lock, error) {
	rows, err := q.Query(ctx, `SELECT `+lockColumns+` FROM withdrawal_locks WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLock)
}

func selectHeld(ctx context.Context, q querier, accountID string) ([]Reservation, error) {
	rows, err := q.Query(ctx, `SELECT `+reservationColumns+` FROM withdrawal_reservations
        WHERE account_id = $1 AND state = 'held' ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanReservation)
}
