package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/money"
)

type txKey struct {
	cardID        string
	transactionID string
	kind          Kind
}

// inMemoryStore keeps the ledger in process memory. A per-card mutex gives
// Mutate exclusive access to one account while mu guards the shared maps and logs.
type inMemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	locks     map[string]*sync.Mutex
	txs       []Transaction
	byCard    map[string][]int
	keys      map[txKey]int
	transfers []Transfer
	txSeq     int64
	sweepMu   sync.Mutex
}

// NewInMemory creates a concurrency-safe in-memory store used in dev mode and tests.
func NewInMemory() Store {
	return &inMemoryStore{
		accounts: make(map[string]Account),
		locks:    make(map[string]*sync.Mutex),
		byCard:   make(map[string][]int),
		keys:     make(map[txKey]int),
	}
}

func (s *inMemoryStore) lockFor(cardID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[cardID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[strings.Clone(cardID)] = l
	}
	return l
}

func (s *inMemoryStore) Account(_ context.Context, cardID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[cardID]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, cardID)
	}
	return acc, nil
}

func (s *inMemoryStore) CreateAccount(_ context.Context, cardID, currency string, balance decimal.Decimal) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[cardID]; ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAlreadyExists, cardID)
	}
	if err := money.ValidateSigned(balance); err != nil {
		return Account{}, err
	}
	cardID = strings.Clone(cardID)
	acc := Account{CardID: cardID, Balance: balance, OnHold: decimal.Zero, Currency: strings.Clone(currency), Version: 1}
	s.accounts[cardID] = acc
	return acc, nil
}

func (s *inMemoryStore) LoadFunds(ctx context.Context, cardID string, amount decimal.Decimal, currency string) (Account, error) {
	l := s.lockFor(cardID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[cardID]
	if !ok {
		if err := money.ValidateSigned(amount); err != nil {
			return Account{}, err
		}
		cardID = strings.Clone(cardID)
		acc = Account{CardID: cardID, Balance: amount, OnHold: decimal.Zero, Currency: strings.Clone(currency), Version: 1}
		s.accounts[cardID] = acc
		return acc, nil
	}
	if acc.Currency != currency {
		return Account{}, fmt.Errorf("%w: account is %s, load is %s", ErrCurrencyMismatch, acc.Currency, currency)
	}
	next := acc.Balance.Add(amount)
	if err := money.ValidateSigned(next); err != nil {
		return Account{}, fmt.Errorf("loading %s onto %s: %w", money.Format(amount), cardID, err)
	}
	acc.Balance = next
	acc.Version++
	s.accounts[acc.CardID] = acc
	return acc, nil
}

type memView struct {
	store   *inMemoryStore
	account Account
}

func (v memView) Account() Account { return v.account }

func (v memView) Lookup(_ context.Context, transactionID string, kind Kind) (Transaction, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	idx, ok := v.store.keys[txKey{v.account.CardID, transactionID, kind}]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return v.store.txs[idx], nil
}

func (s *inMemoryStore) Mutate(ctx context.Context, cardID string, fn MutateFunc) (Result, error) {
	if _, err := s.Account(ctx, cardID); err != nil {
		return Result{}, err
	}

	l := s.lockFor(cardID)
	l.Lock()
	defer l.Unlock()

	acc, err := s.Account(ctx, cardID)
	if err != nil {
		return Result{}, err
	}

	m, err := fn(ctx, memView{store: s, account: acc})
	if err != nil {
		return Result{}, err
	}
	// An expired deadline aborts the unit before anything becomes visible.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.accounts[cardID]; cur.Version != acc.Version {
		return Result{}, fmt.Errorf("%w: account %s moved from version %d to %d", ErrConflict, cardID, acc.Version, cur.Version)
	}

	if err := checkBalances(m); err != nil {
		return Result{}, err
	}

	tx := cloneTransaction(m.Transaction)
	tx.CardID = acc.CardID
	key := txKey{tx.CardID, tx.TransactionID, tx.Kind}
	if _, exists := s.keys[key]; exists {
		return Result{}, fmt.Errorf("%w: %s %s", ErrDuplicateTransaction, tx.Kind, tx.TransactionID)
	}
	// Stamps never run backwards within a card, even with several writers on different clocks.
	if idx := s.byCard[tx.CardID]; len(idx) > 0 {
		if last := s.txs[idx[len(idx)-1]].CreatedAt; tx.CreatedAt.Before(last) {
			tx.CreatedAt = last
		}
	}

	acc.Balance = m.Balance
	acc.OnHold = m.OnHold
	acc.Version++
	s.accounts[acc.CardID] = acc

	s.txSeq++
	tx.ID = uuid.NewString()
	tx.Seq = s.txSeq
	s.txs = append(s.txs, tx)
	s.byCard[tx.CardID] = append(s.byCard[tx.CardID], len(s.txs)-1)
	s.keys[key] = len(s.txs) - 1

	res := Result{Account: acc, Transaction: tx}
	if m.Transfer != nil {
		tr := *m.Transfer
		tr.Currency = strings.Clone(tr.Currency)
		tr.CreatedAt = tx.CreatedAt
		tr.ID = uuid.NewString()
		tr.Seq = int64(len(s.transfers) + 1)
		tr.Fulfilled = false
		s.transfers = append(s.transfers, tr)
		res.Transfer = &tr
	}
	return res, nil
}

// checkBalances rejects a mutation whose resulting amounts no longer fit the
// stored precision.
func checkBalances(m Mutation) error {
	if err := money.ValidateSigned(m.Balance); err != nil {
		return fmt.Errorf("resulting balance: %w", err)
	}
	if err := money.ValidateSigned(m.OnHold); err != nil {
		return fmt.Errorf("resulting on_hold: %w", err)
	}
	return nil
}

// cloneTransaction detaches the string fields of tx from caller-owned memory
// so request buffers can be reused once Mutate returns.
func cloneTransaction(tx Transaction) Transaction {
	tx.TransactionID = strings.Clone(tx.TransactionID)
	tx.BillingCurrency = strings.Clone(tx.BillingCurrency)
	tx.TransactionCurrency = strings.Clone(tx.TransactionCurrency)
	tx.SettlementCurrency = strings.Clone(tx.SettlementCurrency)
	tx.Merchant = Merchant{
		Name:    strings.Clone(tx.Merchant.Name),
		Country: strings.Clone(tx.Merchant.Country),
		MCC:     strings.Clone(tx.Merchant.MCC),
	}
	return tx
}

func (s *inMemoryStore) History(_ context.Context, cardID string, since time.Time) (History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[cardID]
	if !ok {
		return History{}, fmt.Errorf("%w: %s", ErrNotFound, cardID)
	}
	h := History{Account: acc}
	idx := s.byCard[cardID]
	for i := len(idx) - 1; i >= 0; i-- {
		tx := s.txs[idx[i]]
		if tx.CreatedAt.Before(since) {
			continue
		}
		h.Transactions = append(h.Transactions, tx)
	}
	return h, nil
}

func (s *inMemoryStore) Transactions(_ context.Context, cardID string, q Query) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, i := range s.byCard[cardID] {
		tx := s.txs[i]
		if !q.matches(tx) {
			continue
		}
		out = append(out, tx)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *inMemoryStore) UnfulfilledTransfers(_ context.Context) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transfer
	for _, tr := range s.transfers {
		if !tr.Fulfilled {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *inMemoryStore) SweepTransfers(ctx context.Context, fn func([]Transfer) error) ([]Transfer, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	batch, err := s.UnfulfilledTransfers(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(batch); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tr := range batch {
		// Seq is the 1-based position in s.transfers.
		s.transfers[tr.Seq-1].Fulfilled = true
		batch[i].Fulfilled = true
	}
	return batch, nil
}
