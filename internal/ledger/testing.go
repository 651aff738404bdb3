package ledger

import "github.com/shopspring/decimal"

// SeedAccount is a test helper that writes an account position directly into
// the in-memory store, bypassing the command path.
func SeedAccount(s Store, cardID string, balance, onHold decimal.Decimal, currency string) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		acc := mem.accounts[cardID]
		acc.CardID = cardID
		acc.Balance = balance
		acc.OnHold = onHold
		acc.Currency = currency
		acc.Version++
		mem.accounts[cardID] = acc
	}
}
