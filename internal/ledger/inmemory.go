package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcdash/btcledger/internal/money"
)

// MemoryStore is a concurrency-safe in-memory Store used by tests and by
// the development server. Atomic holds a per-account gate for the whole
// callback and stages writes until the callback succeeds.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	owners       map[string]string
	entries      map[string][]Entry
	reservations map[string]Reservation
	locks        map[string][]Lock

	gatesMu sync.Mutex
	gates   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		owners:       make(map[string]string),
		entries:      make(map[string][]Entry),
		reservations: make(map[string]Reservation),
		locks:        make(map[string][]Lock),
		gates:        make(map[string]*sync.Mutex),
	}
}

func ownerKey(ownerID string, currency money.Currency) string {
	return ownerID + "|" + string(currency)
}

func (s *MemoryStore) CreateAccount(ctx context.Context, account Account, locks []Lock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return ErrAccountExists
	}
	key := ownerKey(account.OwnerID, account.Currency)
	if _, exists := s.owners[key]; exists {
		return ErrAccountExists
	}
	s.accounts[account.ID] = account
	s.owners[key] = account.ID
	s.locks[account.ID] = append([]Lock(nil), locks...)
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *MemoryStore) FindAccount(ctx context.Context, ownerID string, currency money.Currency) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[ownerKey(ownerID, currency)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.accounts[id], nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id])
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) Entries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	all := s.entries[accountID]
	// Seq n lives at index n-1.
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return []Entry{}, nil
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]Entry(nil), all[start:end]...), nil
}

func (s *MemoryStore) Locks(ctx context.Context, accountID string) ([]Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	return append([]Lock(nil), s.locks[accountID]...), nil
}

func (s *MemoryStore) HeldReservations(ctx context.Context, accountID string) ([]Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.AccountID == accountID && r.State == ReservationHeld {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReservationAccount(ctx context.Context, reservationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return "", ErrReservationNotFound
	}
	return r.AccountID, nil
}

func (s *MemoryStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.State == ReservationHeld && !now.Before(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) gate(id string) *sync.Mutex {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		g = &sync.Mutex{}
		s.gates[id] = g
	}
	return g
}

// Atomic acquires the account gates in id order, which keeps multi-account
// callers deadlock free.
func (s *MemoryStore) Atomic(ctx context.Context, accountIDs []string, fn func(tx Tx) error) error {
	ids := uniqueSorted(accountIDs)

	s.mu.RLock()
	for _, id := range ids {
		if _, ok := s.accounts[id]; !ok {
			s.mu.RUnlock()
			return ErrAccountNotFound
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		g := s.gate(id)
		g.Lock()
		defer g.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:        s,
		scope:        make(map[string]bool, len(ids)),
		accounts:     make(map[string]Account),
		entries:      make(map[string][]Entry),
		reservations: make(map[string]Reservation),
		locks:        make(map[string][]Lock),
	}
	for _, id := range ids {
		tx.scope[id] = true
	}

	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

type memTx struct {
	store        *MemoryStore
	scope        map[string]bool
	accounts     map[string]Account
	entries      map[string][]Entry
	reservations map[string]Reservation
	locks        map[string][]Lock
}

func (t *memTx) inScope(accountID string) error {
	if !t.scope[accountID] {
		return fmt.Errorf("account %s is not part of this transaction", accountID)
	}
	return nil
}

func (t *memTx) Account(id string) (Account, error) {
	if err := t.inScope(id); err != nil {
		return Account{}, err
	}
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	a, ok := t.store.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *memTx) PutAccount(account Account) error {
	current, err := t.Account(account.ID)
	if err != nil {
		return err
	}
	if current.Version != account.Version-1 {
		return ErrVersionConflict
	}
	t.accounts[account.ID] = account
	return nil
}

func (t *memTx) allEntries(accountID string) []Entry {
	t.store.mu.RLock()
	base := t.store.entries[accountID]
	t.store.mu.RUnlock()
	staged := t.entries[accountID]
	if len(staged) == 0 {
		return base
	}
	out := make([]Entry, 0, len(base)+len(staged))
	out = append(out, base...)
	return append(out, staged...)
}

func (t *memTx) Append(entry Entry, since time.Time) (Entry, error) {
	if err := t.inScope(entry.AccountID); err != nil {
		return Entry{}, err
	}
	if existing, err := t.EntryByKey(entry.AccountID, entry.IdempotencyKey, since); err == nil {
		return existing, ErrDuplicateIdempotencyKey
	}
	all := t.allEntries(entry.AccountID)
	entry.Seq = int64(len(all)) + 1
	t.entries[entry.AccountID] = append(t.entries[entry.AccountID], entry)
	return entry, nil
}

func (t *memTx) EntryByKey(accountID, key string, since time.Time) (Entry, error) {
	if err := t.inScope(accountID); err != nil {
		return Entry{}, err
	}
	all := t.allEntries(accountID)
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.CreatedAt.Before(since) {
			break
		}
		if e.IdempotencyKey == key {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (t *memTx) Entry(accountID, entryID string) (Entry, error) {
	if err := t.inScope(accountID); err != nil {
		return Entry{}, err
	}
	for _, e := range t.allEntries(accountID) {
		if e.ID == entryID {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (t *memTx) SumDeltas(accountID string) (int64, error) {
	if err := t.inScope(accountID); err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range t.allEntries(accountID) {
		sum += e.Delta
	}
	return sum, nil
}

func (t *memTx) HeldReservations(accountID string) ([]Reservation, error) {
	if err := t.inScope(accountID); err != nil {
		return nil, err
	}
	merged := make(map[string]Reservation)
	t.store.mu.RLock()
	for id, r := range t.store.reservations {
		if r.AccountID == accountID {
			merged[id] = r
		}
	}
	t.store.mu.RUnlock()
	for id, r := range t.reservations {
		if r.AccountID == accountID {
			merged[id] = r
		}
	}
	var out []Reservation
	for _, r := range merged {
		if r.State == ReservationHeld {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) Reservation(id string) (Reservation, error) {
	r, ok := t.reservations[id]
	if !ok {
		t.store.mu.RLock()
		r, ok = t.store.reservations[id]
		t.store.mu.RUnlock()
	}
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	if err := t.inScope(r.AccountID); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

func (t *memTx) PutReservation(r Reservation) error {
	if err := t.inScope(r.AccountID); err != nil {
		return err
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *memTx) AddLock(lock Lock) error {
	if err := t.inScope(lock.AccountID); err != nil {
		return err
	}
	t.locks[lock.AccountID] = append(t.locks[lock.AccountID], lock)
	return nil
}

func (t *memTx) Locks(accountID string) ([]Lock, error) {
	if err := t.inScope(accountID); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	out := append([]Lock(nil), t.store.locks[accountID]...)
	t.store.mu.RUnlock()
	return append(out, t.locks[accountID]...), nil
}

func (t *memTx) apply() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for id, es := range t.entries {
		s.entries[id] = append(s.entries[id], es...)
	}
	for id, r := range t.reservations {
		s.reservations[id] = r
	}
	for id, ls := range t.locks {
		s.locks[id] = append(s.locks[id], ls...)
	}
}
