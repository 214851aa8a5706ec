package ledger

import (
	"context"

	"github.com/btcdash/btcledger/internal/money"
)

const iteratorBatch = 100

// EntryIterator walks an account's entries in ascending sequence order,
// fetching them from the store in batches. It can be restarted from any
// sequence with Seek.
type EntryIterator struct {
	ctx       context.Context
	store     Store
	accountID string

	after   int64
	batch   []Entry
	pos     int
	current Entry
	done    bool
	err     error
}

// EntriesFor returns an iterator over entries with Seq > sinceSeq.
func (s *Service) EntriesFor(ctx context.Context, accountID string, currency money.Currency, sinceSeq int64) (*EntryIterator, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := checkCurrency(account, currency); err != nil {
		return nil, err
	}
	return &EntryIterator{ctx: ctx, store: s.store, accountID: accountID, after: sinceSeq}, nil
}

// Next advances to the next entry. It returns false at the end of the log or
// on error; check Err afterwards.
func (it *EntryIterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.pos >= len(it.batch) {
		batch, err := it.store.Entries(it.ctx, it.accountID, it.after, iteratorBatch)
		if err != nil {
			it.err = err
			return false
		}
		if len(batch) == 0 {
			it.done = true
			return false
		}
		it.batch, it.pos = batch, 0
	}
	it.current = it.batch[it.pos]
	it.pos++
	it.after = it.current.Seq
	return true
}

// Entry returns the entry Next moved to.
func (it *EntryIterator) Entry() Entry { return it.current }

// Err reports the first error the iterator hit.
func (it *EntryIterator) Err() error { return it.err }

// Seek restarts the iteration after seq.
func (it *EntryIterator) Seek(seq int64) {
	it.after = seq
	it.batch, it.pos = nil, 0
	it.current = Entry{}
	it.done = false
	it.err = nil
}

// ListLedgerEntries returns one page of entries in ascending sequence order.
func (s *Service) ListLedgerEntries(ctx context.Context, accountID string, currency money.Currency, page Page) ([]Entry, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := checkCurrency(account, currency); err != nil {
		return nil, err
	}
	limit := page.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	after := page.AfterSeq
	if after < 0 {
		after = 0
	}
	return s.store.Entries(ctx, accountID, after, limit)
}
