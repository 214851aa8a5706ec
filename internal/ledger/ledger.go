package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcdash/btcledger/internal/money"
)

var (
	// ErrInsufficientFunds occurs when the available balance (cached balance
	// net of held reservations) cannot cover a debit or reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWithdrawalLocked is matched by *LockedError.
	ErrWithdrawalLocked = errors.New("withdrawal locked")

	// ErrInvalidAmount rejects non-positive amounts before any state change.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCurrencyMismatch rejects operations whose amount currency differs
	// from the account currency.
	ErrCurrencyMismatch = money.ErrCurrencyMismatch

	// ErrDuplicateIdempotencyKey is the soft signal a store returns together
	// with the previously appended entry. The service turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrReservationExpired  = errors.New("reservation expired")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyTerminal     = errors.New("reservation already terminal")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountInactive = errors.New("account inactive")
	ErrNonZeroBalance  = errors.New("account balance must be zero")
	ErrEntryNotFound   = errors.New("ledger entry not found")
	ErrAlreadyReversed = errors.New("withdrawal already reversed")
	ErrInvalidTTL      = errors.New("invalid reservation ttl")
	ErrInvalidLock     = errors.New("invalid withdrawal lock")
	ErrDestination     = errors.New("invalid destination")
	ErrOwnerMismatch   = errors.New("accounts belong to different owners")
	ErrReservedKey     = errors.New("idempotency key uses a reserved prefix")

	// ErrVersionConflict is returned by Tx.PutAccount when the stored
	// version moved underneath the caller.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrLedgerIntegrity marks a log that disagrees with itself: a replay
	// mismatch, which puts the account in integrity hold, or a ledger owned
	// key that is already taken, which fails the operation.
	ErrLedgerIntegrity = errors.New("ledger integrity error")

	// ErrLedgerUnavailable is surfaced once the storage adapter gave up
	// retrying.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// LockedError reports a refused withdrawal and the time left on the lock.
type LockedError struct {
	UnlockAt  time.Time
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("withdrawal locked for %s", e.Remaining.Round(time.Second))
}

func (e *LockedError) Unwrap() error { return ErrWithdrawalLocked }

// AccountStatus is the lifecycle flag of an account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	// AccountIntegrityHold blocks withdrawals pending manual reconciliation.
	AccountIntegrityHold AccountStatus = "integrity_hold"
)

// Account is the per-owner, per-currency balance aggregate.
type Account struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Currency      money.Currency `json:"currency"`
	CachedBalance int64          `json:"cached_balance"`
	Version       int64          `json:"version"`
	Status        AccountStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Balance returns the cached balance as Money.
func (a Account) Balance() money.Money {
	return money.New(a.CachedBalance, a.Currency)
}

// EntryKind classifies ledger entries.
type EntryKind string

const (
	KindDeposit            EntryKind = "deposit"
	KindWithdrawalDebit    EntryKind = "withdrawal_debit"
	KindWithdrawalReversal EntryKind = "withdrawal_reversal"
	KindWithdrawalFee      EntryKind = "withdrawal_fee"
	KindAdjustment         EntryKind = "adjustment"
	KindConversion         EntryKind = "conversion"
)

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawalDebit, KindWithdrawalReversal, KindWithdrawalFee, KindAdjustment, KindConversion:
		return true
	}
	return false
}

// Entry is an immutable ledger record. Seq is assigned by the store and is
// strictly increasing per account.
type Entry struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	Seq            int64          `json:"seq"`
	Currency       money.Currency `json:"currency"`
	Delta          int64          `json:"delta"`
	Kind           EntryKind      `json:"kind"`
	TxRef          string         `json:"tx_ref,omitempty"`
	ReservationID  string         `json:"reservation_id,omitempty"`
	Rate           string         `json:"rate,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Amount returns the signed delta as Money.
func (e Entry) Amount() money.Money {
	return money.New(e.Delta, e.Currency)
}

// ReservationState is the lifecycle of a pending withdrawal hold.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation earmarks funds for an in-flight withdrawal.
type Reservation struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	Amount      money.Money      `json:"amount"`
	Fee         money.Money      `json:"fee"`
	State       ReservationState `json:"state"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Destination string           `json:"destination,omitempty"`
}

// Total is the amount plus the network fee, i.e. what the hold withholds
// from the available balance.
func (r Reservation) Total() int64 {
	return r.Amount.Amount + r.Fee.Amount
}

// ActiveAt reports whether the reservation still reduces availability.
func (r Reservation) ActiveAt(now time.Time) bool {
	return r.State == ReservationHeld && now.Before(r.ExpiresAt)
}

// LockReason explains why a withdrawal lock exists.
type LockReason string

const (
	LockNewAccount     LockReason = "new_account"
	LockManualHold     LockReason = "manual_hold"
	LockPostWithdrawal LockReason = "post_withdrawal"
)

// Valid reports whether r is a known reason.
func (r LockReason) Valid() bool {
	switch r {
	case LockNewAccount, LockManualHold, LockPostWithdrawal:
		return true
	}
	return false
}

// Lock is a withdrawal lock row. Rows are kept after they lapse.
type Lock struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	UnlockAt  time.Time  `json:"unlock_at"`
	Reason    LockReason `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// Balance is a point-in-time view of an account's funds.
type Balance struct {
	AccountID string      `json:"account_id"`
	Cached    money.Money `json:"balance"`
	Reserved  money.Money `json:"reserved"`
	Available money.Money `json:"available"`
	Version   int64       `json:"version"`
	AsOf      time.Time   `json:"as_of"`
}

// Eligibility is the outcome of a withdrawal lock check.
type Eligibility struct {
	Eligible  bool          `json:"eligible"`
	UnlockAt  time.Time     `json:"unlock_at,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Page selects a window of ledger entries by sequence.
type Page struct {
	AfterSeq int64
	Limit    int
}
