package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcdash/btcledger/internal/metrics"
	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/notification"
)

// ReplayBalance folds every entry of the account into a balance. The result
// depends only on the entry log.
func (s *Service) ReplayBalance(ctx context.Context, accountID string, currency money.Currency) (money.Money, error) {
	it, err := s.EntriesFor(ctx, accountID, currency, 0)
	if err != nil {
		return money.Money{}, err
	}
	sum := money.Zero(currency)
	for it.Next() {
		sum, err = money.Add(sum, it.Entry().Amount())
		if err != nil {
			return money.Money{}, err
		}
	}
	if err := it.Err(); err != nil {
		return money.Money{}, err
	}
	return sum, nil
}

// Reconciliation is the outcome of comparing an account's cached balance
// with its replayed entry log.
type Reconciliation struct {
	AccountID string        `json:"account_id"`
	Cached    int64         `json:"cached"`
	Replayed  int64         `json:"replayed"`
	Match     bool          `json:"match"`
	Status    AccountStatus `json:"status"`
}

// Reconcile replays the account under its lock. On mismatch the account is
// put on integrity hold, an alert is raised and ErrLedgerIntegrity returned.
// The cached balance is never corrected here.
func (s *Service) Reconcile(ctx context.Context, accountID string) (Reconciliation, error) {
	var (
		out     Reconciliation
		newHold bool
	)
	err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		account, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		sum, err := tx.SumDeltas(accountID)
		if err != nil {
			return err
		}
		out = Reconciliation{
			AccountID: accountID,
			Cached:    account.CachedBalance,
			Replayed:  sum,
			Match:     sum == account.CachedBalance,
			Status:    account.Status,
		}
		if out.Match || account.Status == AccountIntegrityHold {
			return nil
		}
		account.Status = AccountIntegrityHold
		out.Status = AccountIntegrityHold
		newHold = true
		return s.save(tx, account, s.clock.Now())
	})
	if err != nil {
		s.observe("reconcile", err)
		return Reconciliation{}, err
	}
	if out.Match {
		s.observe("reconcile", nil)
		return out, nil
	}

	integrityErr := fmt.Errorf("%w: account %s cached %d replayed %d", ErrLedgerIntegrity, accountID, out.Cached, out.Replayed)
	s.observe("reconcile", integrityErr)
	if newHold {
		metrics.IntegrityHolds.Inc()
		s.notify(ctx, notification.KindIntegrityAlert, accountID,
			fmt.Sprintf("cached balance %d disagrees with ledger replay %d; account on hold", out.Cached, out.Replayed))
	}
	return out, integrityErr
}

// ReconcileAll walks every account in id order. Mismatches are reported in
// the returned slice; only storage failures abort the walk.
func (s *Service) ReconcileAll(ctx context.Context, batch int) ([]Reconciliation, error) {
	if batch <= 0 {
		batch = 100
	}
	var (
		mismatches []Reconciliation
		after      string
	)
	for {
		accounts, err := s.store.ListAccounts(ctx, after, batch)
		if err != nil {
			return mismatches, err
		}
		if len(accounts) == 0 {
			return mismatches, nil
		}
		for _, a := range accounts {
			r, err := s.Reconcile(ctx, a.ID)
			if errors.Is(err, ErrLedgerIntegrity) {
				mismatches = append(mismatches, r)
				continue
			}
			if err != nil {
				return mismatches, err
			}
		}
		after = accounts[len(accounts)-1].ID
	}
}

// ResolveIntegrityHold lifts an integrity hold after manual review. The
// cached balance is reset to the replayed ledger sum, which must not be
// negative. operator is recorded in the audit log.
func (s *Service) ResolveIntegrityHold(ctx context.Context, accountID, operator string) (Account, error) {
	if operator == "" {
		return Account{}, fmt.Errorf("operator is required")
	}
	var (
		out      Account
		previous int64
		resolved bool
	)
	err := s.store.Atomic(ctx, []string{accountID}, func(tx Tx) error {
		account, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		if account.Status != AccountIntegrityHold {
			out = account
			return nil
		}
		sum, err := tx.SumDeltas(accountID)
		if err != nil {
			return err
		}
		if sum < 0 {
			return fmt.Errorf("%w: replayed balance %d is negative", ErrLedgerIntegrity, sum)
		}
		previous = account.CachedBalance
		resolved = true
		account.CachedBalance = sum
		account.Status = AccountActive
		if err := s.save(tx, account, s.clock.Now()); err != nil {
			return err
		}
		out, err = tx.Account(accountID)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	if !resolved {
		return out, nil
	}
	s.logger.Warn("integrity hold resolved", "account_id", accountID, "operator", operator,
		"previous_cached", previous, "cached", out.CachedBalance)
	return out, nil
}
