package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/btcdash/btcledger/internal/metrics"
	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/notification"
)

// EffectiveUnlock is the latest UnlockAt across locks, or the zero time.
func EffectiveUnlock(locks []Lock) time.Time {
	var unlock time.Time
	for _, l := range locks {
		if l.UnlockAt.After(unlock) {
			unlock = l.UnlockAt
		}
	}
	return unlock
}

// Evaluate decides eligibility at now. A lock is lifted at exactly UnlockAt.
func Evaluate(locks []Lock, now time.Time) Eligibility {
	unlock := EffectiveUnlock(locks)
	if now.Before(unlock) {
		return Eligibility{Eligible: false, UnlockAt: unlock, Remaining: unlock.Sub(now)}
	}
	return Eligibility{Eligible: true}
}

func lockedError(e Eligibility) error {
	return &LockedError{UnlockAt: e.UnlockAt, Remaining: e.Remaining}
}

// CheckWithdrawalEligibility is a pure read of the account's lock rows.
func (s *Service) CheckWithdrawalEligibility(ctx context.Context, accountID string) (Eligibility, error) {
	locks, err := s.store.Locks(ctx, accountID)
	if err != nil {
		return Eligibility{}, err
	}
	return Evaluate(locks, s.clock.Now()), nil
}

// Locks returns every lock row ever placed on the account.
func (s *Service) Locks(ctx context.Context, accountID string) ([]Lock, error) {
	locks, err := s.store.Locks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].CreatedAt.Before(locks[j].CreatedAt) })
	return locks, nil
}

// ImposeLock adds a lock row that ends duration from now. Existing rows are
// never shortened; the latest unlock time wins.
func (s *Service) ImposeLock(ctx context.Context, accountID string, duration time.Duration, reason LockReason) (Lock, error) {
	if duration <= 0 {
		return Lock{}, fmt.Errorf("%w: duration must be positive", ErrInvalidLock)
	}
	if !reason.Valid() {
		return Lock{}, fmt.Errorf("%w: unknown reason %q", ErrInvalidLock, reason)
	}

	var lock Lock
	err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		if _, err := tx.Account(accountID); err != nil {
			return err
		}
		now := s.clock.Now()
		lock = Lock{
			ID:        uuid.NewString(),
			AccountID: accountID,
			UnlockAt:  now.Add(duration),
			Reason:    reason,
			CreatedAt: now,
		}
		return tx.AddLock(lock)
	})
	if err != nil {
		return Lock{}, err
	}
	s.logger.Info("withdrawal lock imposed", "account_id", accountID, "reason", reason, "unlock_at", lock.UnlockAt)
	s.notify(ctx, notification.KindLockImposed, accountID, fmt.Sprintf("withdrawals locked until %s (%s)", lock.UnlockAt.Format(time.RFC3339), reason))
	return lock, nil
}

// ReserveInput requests a hold for a pending withdrawal.
type ReserveInput struct {
	AccountID   string
	Amount      money.Money
	Fee         money.Money
	TTL         time.Duration
	Destination string
}

// ReserveWithdrawal checks the lock policy and the available balance and
// places a hold for amount plus fee, all in one atomic unit.
func (s *Service) ReserveWithdrawal(ctx context.Context, input ReserveInput) (Reservation, error) {
	r, err := s.reserve(ctx, input)
	s.observe("reserve", err)
	if err == nil {
		metrics.ReservationTransitions.WithLabelValues(string(ReservationHeld)).Inc()
	}
	return r, err
}

func (s *Service) reserve(ctx context.Context, input ReserveInput) (Reservation, error) {
	if input.Amount.Amount <= 0 {
		return Reservation{}, ErrInvalidAmount
	}
	if input.Fee.Currency == "" {
		input.Fee = money.Zero(input.Amount.Currency)
	}
	if input.Fee.Currency != input.Amount.Currency {
		return Reservation{}, fmt.Errorf("%w: fee in %s, amount in %s", ErrCurrencyMismatch, input.Fee.Currency, input.Amount.Currency)
	}
	if input.Fee.IsNegative() {
		return Reservation{}, fmt.Errorf("%w: negative fee", ErrInvalidAmount)
	}
	total, err := money.Add(input.Amount, input.Fee)
	if err != nil {
		return Reservation{}, err
	}
	ttl := input.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultReservationTTL
	}
	if ttl < 0 || ttl > s.opts.MaxReservationTTL {
		return Reservation{}, fmt.Errorf("%w: %s (max %s)", ErrInvalidTTL, ttl, s.opts.MaxReservationTTL)
	}
	if input.Destination != "" && s.opts.Destinations != nil {
		if err := s.opts.Destinations.Validate(input.Amount.Currency, input.Destination); err != nil {
			return Reservation{}, fmt.Errorf("%w: %v", ErrDestination, err)
		}
	}

	var out Reservation
	err = s.store.Atomic(ctx, []string{input.AccountID}, func(tx Tx) error {
		account, err := tx.Account(input.AccountID)
		if err != nil {
			return err
		}
		if err := checkCurrency(account, input.Amount.Currency); err != nil {
			return err
		}
		if err := writable(account); err != nil {
			return err
		}

		now := s.clock.Now()
		locks, err := tx.Locks(account.ID)
		if err != nil {
			return err
		}
		if e := Evaluate(locks, now); !e.Eligible {
			return lockedError(e)
		}

		active, err := expireLapsed(tx, account.ID, now)
		if err != nil {
			return err
		}
		if account.CachedBalance-reservedTotal(active) < total.Amount {
			return ErrInsufficientFunds
		}

		out = Reservation{
			ID:          uuid.NewString(),
			AccountID:   account.ID,
			Amount:      input.Amount,
			Fee:         input.Fee,
			State:       ReservationHeld,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
			UpdatedAt:   now,
			Destination: input.Destination,
		}
		return tx.PutReservation(out)
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// Commit is the ledger outcome of a committed withdrawal.
type Commit struct {
	Reservation Reservation `json:"reservation"`
	Debit       Entry       `json:"debit"`
	Fee         *Entry      `json:"fee,omitempty"`
	Relock      *Lock       `json:"relock,omitempty"`
}

// CommitWithdrawal turns a held reservation into ledger entries. A
// reservation past its TTL is released and ErrReservationExpired returned.
func (s *Service) CommitWithdrawal(ctx context.Context, reservationID, destination string) (Commit, error) {
	c, err := s.commit(ctx, reservationID, destination)
	s.observe("commit", err)
	switch {
	case err == nil:
		metrics.ReservationTransitions.WithLabelValues(string(ReservationCommitted)).Inc()
		s.logger.Info("withdrawal committed", "reservation_id", reservationID, "account_id", c.Reservation.AccountID, "amount", c.Reservation.Amount.Amount)
		s.notify(ctx, notification.KindWithdrawalCommitted, c.Reservation.AccountID,
			fmt.Sprintf("withdrawal of %s to %s committed", c.Reservation.Amount, c.Debit.TxRef))
	case errors.Is(err, ErrReservationExpired):
		metrics.ReservationTransitions.WithLabelValues("expired").Inc()
	}
	return c, err
}

func (s *Service) commit(ctx context.Context, reservationID, destination string) (Commit, error) {
	accountID, err := s.store.ReservationAccount(ctx, reservationID)
	if err != nil {
		return Commit{}, err
	}

	var (
		out     Commit
		expired bool
	)
	err = s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		r, err := tx.Reservation(reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationHeld {
			return fmt.Errorf("%w: reservation is %s", ErrAlreadyTerminal, r.State)
		}

		now := s.clock.Now()
		if !now.Before(r.ExpiresAt) {
			r.State = ReservationReleased
			r.UpdatedAt = now
			expired = true
			return tx.PutReservation(r)
		}

		account, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		if err := writable(account); err != nil {
			return err
		}

		if destination == "" {
			destination = r.Destination
		}
		if s.opts.Destinations != nil {
			if err := s.opts.Destinations.Validate(account.Currency, destination); err != nil {
				return fmt.Errorf("%w: %v", ErrDestination, err)
			}
		} else if destination == "" {
			return fmt.Errorf("%w: destination is required", ErrDestination)
		}

		// Commit-scoped keys never expire so a reservation can only ever
		// produce one debit.
		debit, err := s.postOnce(tx, &account, Entry{
			Delta:          -r.Amount.Amount,
			Kind:           KindWithdrawalDebit,
			TxRef:          destination,
			ReservationID:  r.ID,
			IdempotencyKey: withdrawalKeyPrefix + r.ID,
		}, time.Time{}, now)
		if err != nil {
			return err
		}
		out.Debit = debit

		if r.Fee.IsPositive() {
			fee, err := s.postOnce(tx, &account, Entry{
				Delta:          -r.Fee.Amount,
				Kind:           KindWithdrawalFee,
				TxRef:          destination,
				ReservationID:  r.ID,
				IdempotencyKey: feeKeyPrefix + r.ID,
			}, time.Time{}, now)
			if err != nil {
				return err
			}
			out.Fee = &fee
		}
		if err := s.save(tx, account, now); err != nil {
			return err
		}

		r.State = ReservationCommitted
		r.Destination = destination
		r.UpdatedAt = now
		if err := tx.PutReservation(r); err != nil {
			return err
		}
		out.Reservation = r

		if s.opts.RelockAfterWithdrawal {
			lock := Lock{
				ID:        uuid.NewString(),
				AccountID: accountID,
				UnlockAt:  now.Add(s.opts.RelockDuration),
				Reason:    LockPostWithdrawal,
				CreatedAt: now,
			}
			if err := tx.AddLock(lock); err != nil {
				return err
			}
			out.Relock = &lock
		}
		return nil
	})
	if err != nil {
		return Commit{}, err
	}
	if expired {
		return Commit{}, ErrReservationExpired
	}
	return out, nil
}

// ReleaseWithdrawal cancels a held reservation. Releasing a committed or
// already released reservation is a no-op that returns its current state.
func (s *Service) ReleaseWithdrawal(ctx context.Context, reservationID string) (Reservation, error) {
	accountID, err := s.store.ReservationAccount(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}

	var (
		out      Reservation
		released bool
	)
	err = s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		r, err := tx.Reservation(reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationHeld {
			out = r
			return nil
		}
		r.State = ReservationReleased
		r.UpdatedAt = s.clock.Now()
		out = r
		released = true
		return tx.PutReservation(r)
	})
	s.observe("release", err)
	if released {
		metrics.ReservationTransitions.WithLabelValues(string(ReservationReleased)).Inc()
	}
	return out, err
}

// SweepExpired releases up to limit held reservations whose TTL has passed
// and reports how many were released.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	lapsed, err := s.store.ExpiredReservations(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	byAccount := make(map[string]bool)
	for _, r := range lapsed {
		byAccount[r.AccountID] = true
	}

	var (
		released int
		errs     []error
	)
	for accountID := range byAccount {
		var n int
		err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
			held, err := tx.HeldReservations(accountID)
			if err != nil {
				return err
			}
			active, err := expireLapsed(tx, accountID, now)
			if err != nil {
				return err
			}
			n = len(held) - len(active)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep account %s: %w", accountID, err))
			continue
		}
		released += n
	}
	return released, errors.Join(errs...)
}

// ReverseWithdrawal credits back a committed withdrawal debit, e.g. after
// the on-chain broadcast failed. The fee entry is reversed with it. Each
// debit can be reversed once.
func (s *Service) ReverseWithdrawal(ctx context.Context, accountID, debitEntryID, reason string) ([]Entry, error) {
	var out []Entry
	err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		account, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		debit, err := tx.Entry(accountID, debitEntryID)
		if err != nil {
			return err
		}
		if debit.Kind != KindWithdrawalDebit {
			return fmt.Errorf("%w: entry %s is a %s", ErrEntryNotFound, debit.ID, debit.Kind)
		}
		if prior, err := tx.EntryByKey(accountID, reversalKeyPrefix+debit.ID, time.Time{}); err == nil {
			if prior.Kind != KindWithdrawalReversal || prior.ReservationID != debit.ReservationID {
				return fmt.Errorf("%w: reversal key for %s holds %s entry %s", ErrLedgerIntegrity, debit.ID, prior.Kind, prior.ID)
			}
			out = []Entry{prior}
			return ErrAlreadyReversed
		} else if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		if err := writable(account); err != nil {
			return err
		}

		now := s.clock.Now()
		ref := debit.TxRef
		if reason != "" {
			ref = reason
		}
		entry, err := s.postOnce(tx, &account, Entry{
			Delta:          -debit.Delta,
			Kind:           KindWithdrawalReversal,
			TxRef:          ref,
			ReservationID:  debit.ReservationID,
			IdempotencyKey: reversalKeyPrefix + debit.ID,
		}, time.Time{}, now)
		if err != nil {
			return err
		}
		out = append(out, entry)

		if debit.ReservationID != "" {
			if fee, err := tx.EntryByKey(accountID, feeKeyPrefix+debit.ReservationID, time.Time{}); err == nil {
				if fee.Kind != KindWithdrawalFee || fee.ReservationID != debit.ReservationID {
					return fmt.Errorf("%w: fee key for %s holds %s entry %s", ErrLedgerIntegrity, debit.ReservationID, fee.Kind, fee.ID)
				}
				back, err := s.postOnce(tx, &account, Entry{
					Delta:          -fee.Delta,
					Kind:           KindWithdrawalReversal,
					TxRef:          ref,
					ReservationID:  debit.ReservationID,
					IdempotencyKey: reversalKeyPrefix + fee.ID,
				}, time.Time{}, now)
				if err != nil {
					return err
				}
				out = append(out, back)
			} else if !errors.Is(err, ErrEntryNotFound) {
				return err
			}
		}
		return s.save(tx, account, now)
	})
	s.observe("reverse", err)
	if err != nil {
		if errors.Is(err, ErrAlreadyReversed) {
			return out, err
		}
		return nil, err
	}
	s.logger.Info("withdrawal reversed", "account_id", accountID, "entry_id", debitEntryID, "reason", reason)
	s.notify(ctx, notification.KindWithdrawalReversed, accountID, fmt.Sprintf("withdrawal %s reversed", debitEntryID))
	return out, nil
}
