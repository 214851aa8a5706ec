package ledger

import (
	"context"
	"time"

	"github.com/btcdash/btcledger/internal/money"
)

// Store is the persistence backend. Implementations must run Atomic as a
// single serializable unit per account: no other Atomic call touching any of
// the listed accounts may interleave with fn, and none of fn's writes become
// visible unless fn returns nil.
type Store interface {
	// CreateAccount inserts an account and its initial locks.
	CreateAccount(ctx context.Context, account Account, locks []Lock) error
	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccount(ctx context.Context, ownerID string, currency money.Currency) (Account, error)
	ListAccounts(ctx context.Context, afterID string, limit int) ([]Account, error)

	Atomic(ctx context.Context, accountIDs []string, fn func(tx Tx) error) error

	// Entries returns up to limit entries with Seq > afterSeq in ascending
	// order. Reads never block writers.
	Entries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error)
	Locks(ctx context.Context, accountID string) ([]Lock, error)
	HeldReservations(ctx context.Context, accountID string) ([]Reservation, error)
	ReservationAccount(ctx context.Context, reservationID string) (string, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	Close()
}

// Tx is the mutating surface available inside Store.Atomic. Every method is
// restricted to the accounts named in the Atomic call.
type Tx interface {
	Account(id string) (Account, error)
	// PutAccount stores account if the persisted version is account.Version-1.
	PutAccount(account Account) error

	// Append assigns the next sequence number and stores the entry. If an
	// entry with the same account and idempotency key was created at or
	// after since, it is returned together with ErrDuplicateIdempotencyKey.
	Append(entry Entry, since time.Time) (Entry, error)
	EntryByKey(accountID, key string, since time.Time) (Entry, error)
	Entry(accountID, entryID string) (Entry, error)
	SumDeltas(accountID string) (int64, error)

	HeldReservations(accountID string) ([]Reservation, error)
	Reservation(id string) (Reservation, error)
	PutReservation(r Reservation) error

	AddLock(lock Lock) error
	Locks(accountID string) ([]Lock, error)
}
