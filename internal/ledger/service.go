package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/btcdash/btcledger/internal/clock"
	"github.com/btcdash/btcledger/internal/metrics"
	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/notification"
	"github.com/btcdash/btcledger/internal/oracle"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 50
)

// Key prefixes owned by the ledger. Callers cannot post under them.
const (
	withdrawalKeyPrefix = "withdrawal:"
	feeKeyPrefix        = "withdrawal-fee:"
	reversalKeyPrefix   = "reversal:"
	conversionKeyPrefix = "conversion:"
)

var reservedKeyPrefixes = []string{withdrawalKeyPrefix, feeKeyPrefix, reversalKeyPrefix, conversionKeyPrefix}

// clientKey validates a caller supplied idempotency key, generating one
// when it is empty.
func clientKey(key string) (string, error) {
	if key == "" {
		return uuid.NewString(), nil
	}
	for _, prefix := range reservedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return "", fmt.Errorf("%w: %q", ErrReservedKey, prefix)
		}
	}
	return key, nil
}

// DestinationValidator checks that a payout destination can receive funds in
// the given currency.
type DestinationValidator interface {
	Validate(currency money.Currency, destination string) error
}

// Options tunes the service. Zero values fall back to the defaults below.
type Options struct {
	IdempotencyWindow     time.Duration
	NewAccountLock        time.Duration
	RelockAfterWithdrawal bool
	RelockDuration        time.Duration
	DefaultReservationTTL time.Duration
	MaxReservationTTL     time.Duration

	Logger       *slog.Logger
	Notifier     notification.Notifier
	Destinations DestinationValidator
	Oracle       oracle.Oracle
}

func (o Options) withDefaults() Options {
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = 24 * time.Hour
	}
	if o.NewAccountLock < 0 {
		o.NewAccountLock = 0
	}
	if o.RelockDuration <= 0 {
		o.RelockDuration = 24 * time.Hour
	}
	if o.DefaultReservationTTL <= 0 {
		o.DefaultReservationTTL = 5 * time.Minute
	}
	if o.MaxReservationTTL <= 0 {
		o.MaxReservationTTL = time.Hour
	}
	if o.MaxReservationTTL < o.DefaultReservationTTL {
		o.MaxReservationTTL = o.DefaultReservationTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DefaultOptions returns the production defaults: a 24h idempotency window,
// a 24h lock on new accounts and no relock after withdrawals.
func DefaultOptions() Options {
	return Options{NewAccountLock: 24 * time.Hour}.withDefaults()
}

// Service is the ledger core. It owns no storage; every mutation runs inside
// a single Store.Atomic call covering the affected accounts.
type Service struct {
	store  Store
	clock  clock.Clock
	opts   Options
	logger *slog.Logger
}

// NewService wires the ledger core to a store and a clock.
func NewService(store Store, clk clock.Clock, opts Options) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	opts = opts.withDefaults()
	return &Service{store: store, clock: clk, opts: opts, logger: opts.Logger}
}

// Options returns the effective configuration.
func (s *Service) Options() Options { return s.opts }

func newEntryID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String()
}

func (s *Service) notify(ctx context.Context, kind, destination, body string) {
	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Send(ctx, notification.Message{Kind: kind, Destination: destination, Body: body}); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "error", err)
	}
}

func (s *Service) observe(operation string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientFunds):
		outcome = "insufficient_funds"
	case errors.Is(err, ErrWithdrawalLocked):
		outcome = "locked"
	case errors.Is(err, ErrLedgerIntegrity):
		outcome = "integrity"
	case errors.Is(err, ErrLedgerUnavailable):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	metrics.LedgerOperations.WithLabelValues(operation, outcome).Inc()

	switch outcome {
	case "insufficient_funds", "locked":
		s.logger.Info("ledger operation refused", "operation", operation, "reason", err.Error())
	case "integrity":
		s.logger.Error("ledger integrity failure", "operation", operation, "error", err)
	}
}

func checkCurrency(account Account, currency money.Currency) error {
	if account.Currency != currency {
		return fmt.Errorf("%w: account holds %s, got %s", ErrCurrencyMismatch, account.Currency, currency)
	}
	return nil
}

// writable refuses mutations on accounts that are closed or held for
// integrity review.
func writable(account Account) error {
	switch account.Status {
	case AccountInactive:
		return ErrAccountInactive
	case AccountIntegrityHold:
		return fmt.Errorf("%w: account %s is on integrity hold", ErrLedgerIntegrity, account.ID)
	}
	return nil
}

// OpenAccount provisions the owner's account in currency together with the
// new-account withdrawal lock. Opening an existing account returns it.
func (s *Service) OpenAccount(ctx context.Context, ownerID string, currency money.Currency) (Account, error) {
	if ownerID == "" {
		return Account{}, fmt.Errorf("owner id is required")
	}
	if !currency.Valid() {
		return Account{}, fmt.Errorf("%w: %q", money.ErrUnknownCurrency, currency)
	}

	existing, err := s.store.FindAccount(ctx, ownerID, currency)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}

	now := s.clock.Now()
	account := Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  currency,
		Version:   1,
		Status:    AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var locks []Lock
	if s.opts.NewAccountLock > 0 {
		locks = append(locks, Lock{
			ID:        uuid.NewString(),
			AccountID: account.ID,
			UnlockAt:  now.Add(s.opts.NewAccountLock),
			Reason:    LockNewAccount,
			CreatedAt: now,
		})
	}

	if err := s.store.CreateAccount(ctx, account, locks); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return s.store.FindAccount(ctx, ownerID, currency)
		}
		return Account{}, err
	}
	s.logger.Info("account opened", "account_id", account.ID, "owner_id", ownerID, "currency", currency)
	return account, nil
}

// GetAccount returns the stored account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// FindAccount looks an account up by owner and currency.
func (s *Service) FindAccount(ctx context.Context, ownerID string, currency money.Currency) (Account, error) {
	return s.store.FindAccount(ctx, ownerID, currency)
}

// expireLapsed releases held reservations whose TTL has passed and returns
// the ones still active.
func expireLapsed(tx Tx, accountID string, now time.Time) ([]Reservation, error) {
	held, err := tx.HeldReservations(accountID)
	if err != nil {
		return nil, err
	}
	active := held[:0:0]
	for _, r := range held {
		if r.ActiveAt(now) {
			active = append(active, r)
			continue
		}
		r.State = ReservationReleased
		r.UpdatedAt = now
		if err := tx.PutReservation(r); err != nil {
			return nil, err
		}
		metrics.ReservationTransitions.WithLabelValues("expired").Inc()
	}
	return active, nil
}

func reservedTotal(active []Reservation) int64 {
	var total int64
	for _, r := range active {
		total += r.Total()
	}
	return total
}

// GetBalance returns cached, reserved and available funds. Reservations
// whose TTL has passed are released as a side effect.
func (s *Service) GetBalance(ctx context.Context, accountID string, currency money.Currency) (Balance, error) {
	var out Balance
	err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		account, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		if err := checkCurrency(account, currency); err != nil {
			return err
		}
		now := s.clock.Now()
		active, err := expireLapsed(tx, accountID, now)
		if err != nil {
			return err
		}
		reserved := reservedTotal(active)
		out = Balance{
			AccountID: accountID,
			Cached:    account.Balance(),
			Reserved:  money.New(reserved, account.Currency),
			Available: money.New(account.CachedBalance-reserved, account.Currency),
			Version:   account.Version,
			AsOf:      now,
		}
		return nil
	})
	return out, err
}

// CreditInput describes a positive balance movement.
type CreditInput struct {
	AccountID      string
	Amount         money.Money
	Kind           EntryKind
	TxRef          string
	IdempotencyKey string
}

// DebitInput describes a negative balance movement outside the withdrawal
// protocol, e.g. an operator adjustment.
type DebitInput struct {
	AccountID      string
	Amount         money.Money
	Kind           EntryKind
	TxRef          string
	IdempotencyKey string
}

// Credit appends a positive entry and increments the cached balance. A
// repeated idempotency key inside the window returns the original entry.
func (s *Service) Credit(ctx context.Context, input CreditInput) (Entry, error) {
	entry, err := s.credit(ctx, input)
	s.observe("credit", err)
	return entry, err
}

func (s *Service) credit(ctx context.Context, input CreditInput) (Entry, error) {
	if input.Amount.Amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if input.Kind == "" {
		input.Kind = KindDeposit
	}
	switch input.Kind {
	case KindDeposit, KindAdjustment:
	default:
		return Entry{}, fmt.Errorf("%w: kind %q cannot be credited directly", ErrInvalidAmount, input.Kind)
	}
	key, err := clientKey(input.IdempotencyKey)
	if err != nil {
		return Entry{}, err
	}
	input.IdempotencyKey = key

	var out Entry
	err = s.store.Atomic(ctx, []string{input.AccountID}, func(tx Tx) error {
		account, err := tx.Account(input.AccountID)
		if err != nil {
			return err
		}
		if err := checkCurrency(account, input.Amount.Currency); err != nil {
			return err
		}
		now := s.clock.Now()
		since := now.Add(-s.opts.IdempotencyWindow)
		if prior, err := tx.EntryByKey(account.ID, input.IdempotencyKey, since); err == nil {
			out = prior
			return nil
		} else if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		if err := writable(account); err != nil {
			return err
		}

		entry, replay, err := s.post(tx, &account, Entry{
			Delta:          input.Amount.Amount,
			Kind:           input.Kind,
			TxRef:          input.TxRef,
			IdempotencyKey: input.IdempotencyKey,
		}, since, now)
		if err != nil {
			return err
		}
		out = entry
		if replay {
			return nil
		}
		return s.save(tx, account, now)
	})
	return out, err
}

// Debit appends a negative entry. The amount is checked against the
// available balance, i.e. the cached balance net of active reservations.
func (s *Service) Debit(ctx context.Context, input DebitInput) (Entry, error) {
	entry, err := s.debit(ctx, input)
	s.observe("debit", err)
	return entry, err
}

func (s *Service) debit(ctx context.Context, input DebitInput) (Entry, error) {
	if input.Amount.Amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if input.Kind == "" {
		input.Kind = KindAdjustment
	}
	if input.Kind != KindAdjustment {
		return Entry{}, fmt.Errorf("%w: kind %q cannot be debited directly", ErrInvalidAmount, input.Kind)
	}
	key, err := clientKey(input.IdempotencyKey)
	if err != nil {
		return Entry{}, err
	}
	input.IdempotencyKey = key

	var out Entry
	err = s.store.Atomic(ctx, []string{input.AccountID}, func(tx Tx) error {
		account, err := tx.Account(input.AccountID)
		if err != nil {
			return err
		}
		if err := checkCurrency(account, input.Amount.Currency); err != nil {
			return err
		}
		now := s.clock.Now()
		since := now.Add(-s.opts.IdempotencyWindow)
		if prior, err := tx.EntryByKey(account.ID, input.IdempotencyKey, since); err == nil {
			out = prior
			return nil
		} else if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		if err := writable(account); err != nil {
			return err
		}

		active, err := expireLapsed(tx, account.ID, now)
		if err != nil {
			return err
		}
		if account.CachedBalance-reservedTotal(active) < input.Amount.Amount {
			return ErrInsufficientFunds
		}

		entry, replay, err := s.post(tx, &account, Entry{
			Delta:          -input.Amount.Amount,
			Kind:           input.Kind,
			TxRef:          input.TxRef,
			IdempotencyKey: input.IdempotencyKey,
		}, since, now)
		if err != nil {
			return err
		}
		out = entry
		if replay {
			return nil
		}
		return s.save(tx, account, now)
	})
	return out, err
}

// post appends entry to account and applies its delta to the cached
// balance held in memory. The caller persists the account with save. The
// boolean result reports an idempotent replay, in which case nothing was
// written.
func (s *Service) post(tx Tx, account *Account, entry Entry, since, now time.Time) (Entry, bool, error) {
	next, err := money.Add(account.Balance(), money.New(entry.Delta, account.Currency))
	if err != nil {
		return Entry{}, false, err
	}
	if next.IsNegative() {
		return Entry{}, false, ErrInsufficientFunds
	}

	entry.ID = newEntryID(now)
	entry.AccountID = account.ID
	entry.Currency = account.Currency
	entry.CreatedAt = now

	stored, err := tx.Append(entry, since)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return stored, true, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	account.CachedBalance = next.Amount
	return stored, false, nil
}

// postOnce appends an entry under a ledger owned key. Such a key is written
// exactly once, so finding it already taken means the log is inconsistent.
func (s *Service) postOnce(tx Tx, account *Account, entry Entry, since, now time.Time) (Entry, error) {
	stored, replay, err := s.post(tx, account, entry, since, now)
	if err != nil {
		return Entry{}, err
	}
	if replay {
		return Entry{}, fmt.Errorf("%w: key %s already holds %s entry %s", ErrLedgerIntegrity, entry.IdempotencyKey, stored.Kind, stored.ID)
	}
	return stored, nil
}

func (s *Service) save(tx Tx, account Account, now time.Time) error {
	account.Version++
	account.UpdatedAt = now
	return tx.PutAccount(account)
}

// Deactivate closes an account. Only empty accounts without pending
// reservations can be closed; the row and its history are kept.
func (s *Service) Deactivate(ctx context.Context, accountID string) (Account, error) {
	var out Account
	err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		account, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		if account.Status == AccountInactive {
			out = account
			return nil
		}
		if err := writable(account); err != nil {
			return err
		}
		if account.CachedBalance != 0 {
			return ErrNonZeroBalance
		}
		now := s.clock.Now()
		active, err := expireLapsed(tx, accountID, now)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return fmt.Errorf("%w: %d reservations still held", ErrNonZeroBalance, len(active))
		}
		account.Status = AccountInactive
		if err := s.save(tx, account, now); err != nil {
			return err
		}
		out, err = tx.Account(accountID)
		return err
	})
	if err == nil {
		s.logger.Info("account deactivated", "account_id", accountID)
	}
	return out, err
}
