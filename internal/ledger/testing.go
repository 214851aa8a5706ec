package ledger

// SetCachedBalance overwrites the cached balance of an account held by a
// MemoryStore without appending an entry. Tests use it to simulate a
// corrupted cache; other stores are left untouched.
func SetCachedBalance(s Store, accountID string, amount int64) {
	if mem, ok := s.(*MemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if a, ok := mem.accounts[accountID]; ok {
			a.CachedBalance = amount
			mem.accounts[accountID] = a
		}
	}
}
