package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes the two card network messages the ledger records.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindPresentment   Kind = "presentment"
)

// ParseKind accepts both spellings networks use for authorization messages.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "authorization", "authorisation":
		return KindAuthorization, nil
	case "presentment":
		return KindPresentment, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// Account is the per-card money position.
type Account struct {
	CardID   string
	Balance  decimal.Decimal
	OnHold   decimal.Decimal
	Currency string
	// Version increases by one on every committed change.
	Version int64
}

// Available is the spendable amount: balance minus funds held by pending authorizations.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.OnHold)
}

// Merchant describes where a card transaction took place.
type Merchant struct {
	Name    string
	Country string
	MCC     string
}

// Transaction is an immutable record of an accepted authorization or presentment.
type Transaction struct {
	ID  string
	Seq int64

	TransactionID string
	Kind          Kind
	CardID        string

	BillingAmount       decimal.Decimal
	BillingCurrency     string
	TransactionAmount   decimal.Decimal
	TransactionCurrency string
	SettlementAmount    decimal.Decimal
	SettlementCurrency  string

	// ReleasedHold is the on_hold amount a presentment released, which is the
	// billing amount of its authorization. Zero for authorizations.
	ReleasedHold decimal.Decimal

	Merchant  Merchant
	CreatedAt time.Time
}

// Transfer is the settlement obligation produced by a presentment.
type Transfer struct {
	ID        string
	Seq       int64
	Credit    decimal.Decimal
	Debit     decimal.Decimal
	Currency  string
	Fulfilled bool
	CreatedAt time.Time
}

// View is the locked account state handed to a MutateFunc.
type View interface {
	Account() Account
	// Lookup returns the transaction recorded for this card with the given
	// network id and kind, or ErrNotFound.
	Lookup(ctx context.Context, transactionID string, kind Kind) (Transaction, error)
}

// Mutation is the outcome a MutateFunc asks the store to commit atomically.
type Mutation struct {
	Balance     decimal.Decimal
	OnHold      decimal.Decimal
	Transaction Transaction
	Transfer    *Transfer
}

// MutateFunc decides the effect of one command against a locked account.
// Returning an error aborts the unit with no effect.
type MutateFunc func(ctx context.Context, view View) (Mutation, error)

// Result is what a committed Mutate produced, with store-assigned ids and sequence numbers.
type Result struct {
	Account     Account
	Transaction Transaction
	Transfer    *Transfer
}

// History is a consistent snapshot of an account and the transactions recorded
// at or after a point in time, newest first.
type History struct {
	Account      Account
	Transactions []Transaction
}

// Query filters a transaction listing. Zero values leave a dimension unbounded.
type Query struct {
	Kind     Kind
	From     time.Time
	To       time.Time
	AfterSeq int64
	Limit    int
}

func (q Query) matches(tx Transaction) bool {
	if q.Kind != "" && tx.Kind != q.Kind {
		return false
	}
	if !q.From.IsZero() && tx.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && tx.CreatedAt.After(q.To) {
		return false
	}
	return tx.Seq > q.AfterSeq
}

// Store defines the contract implemented by ledger backends (in-memory and Postgres).
type Store interface {
	Account(ctx context.Context, cardID string) (Account, error)
	CreateAccount(ctx context.Context, cardID, currency string, balance decimal.Decimal) (Account, error)
	// LoadFunds credits amount to the card, creating the account when it does not exist.
	LoadFunds(ctx context.Context, cardID string, amount decimal.Decimal, currency string) (Account, error)
	// Mutate runs fn while holding the account exclusively and commits its
	// Mutation as a single atomic unit.
	Mutate(ctx context.Context, cardID string, fn MutateFunc) (Result, error)
	History(ctx context.Context, cardID string, since time.Time) (History, error)
	// Transactions lists a card's transactions in insertion order.
	Transactions(ctx context.Context, cardID string, q Query) ([]Transaction, error)
	UnfulfilledTransfers(ctx context.Context) ([]Transfer, error)
	// SweepTransfers hands every unfulfilled transfer to fn and marks exactly
	// that set fulfilled if fn succeeds. Concurrent sweeps are serialized.
	SweepTransfers(ctx context.Context, fn func([]Transfer) error) ([]Transfer, error)
}
