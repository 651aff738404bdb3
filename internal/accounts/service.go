package accounts

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/money"
)

const defaultPageSize = 100

// Options configures the accounts service.
type Options struct {
	// PageSize bounds each store read made while iterating transactions.
	PageSize int
	// DefaultCurrency applies to accounts created without a currency.
	DefaultCurrency string
	// Backoff bounds retries of a load that hit a conflicting writer.
	Backoff ledger.Backoff
}

// Service manages card accounts outside the authorize/settle path: lookup,
// provisioning, fund loading and transaction listings.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
	opts   Options
}

func NewService(store ledger.Store, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	opts.DefaultCurrency = strings.ToUpper(opts.DefaultCurrency)
	if opts.Backoff.MaxAttempts < 1 {
		opts.Backoff = ledger.DefaultBackoff
	}
	return &Service{store: store, logger: logger, opts: opts}
}

// Get returns the live account for cardID.
func (s *Service) Get(ctx context.Context, cardID string) (ledger.Account, error) {
	return s.store.Account(ctx, cardID)
}

// Create provisions an account with an opening balance.
func (s *Service) Create(ctx context.Context, cardID, currency string, opening decimal.Decimal) (ledger.Account, error) {
	currency = strings.ToUpper(currency)
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	if err := checkCard(cardID, currency); err != nil {
		return ledger.Account{}, err
	}
	if err := money.Validate(opening); err != nil {
		return ledger.Account{}, err
	}
	acc, err := s.store.CreateAccount(ctx, cardID, currency, opening)
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.Info("account created", "card_id", cardID, "currency", currency, "balance", money.Format(opening))
	return acc, nil
}

// LoadFunds credits amount to the card's balance, creating the account when
// none exists. It does not go through the authorization rules.
func (s *Service) LoadFunds(ctx context.Context, cardID string, amount decimal.Decimal, currency string) (ledger.Account, error) {
	currency = strings.ToUpper(currency)
	if err := checkCard(cardID, currency); err != nil {
		return ledger.Account{}, err
	}
	if err := money.Validate(amount); err != nil {
		return ledger.Account{}, err
	}
	var acc ledger.Account
	err := ledger.Retry(ctx, s.opts.Backoff, "load_funds", func(ctx context.Context) error {
		var err error
		acc, err = s.store.LoadFunds(ctx, cardID, amount, currency)
		return err
	}, func(n int, wait time.Duration, err error) {
		s.logger.Warn("retrying fund load", "card_id", cardID, "attempt", n, "wait", wait, "error", err)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.Info("funds loaded", "card_id", cardID, "amount", money.Format(amount),
		"currency", currency, "balance", money.Format(acc.Balance))
	return acc, nil
}

// Window bounds a transaction listing. Both ends are inclusive and a zero
// value leaves that side open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Transactions lists the card's presentments within w, oldest first. The
// listing is read lazily in pages; ranging over the sequence again restarts
// it from the beginning.
func (s *Service) Transactions(ctx context.Context, cardID string, w Window) (iter.Seq2[ledger.Transaction, error], error) {
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ledger.ErrInvalidInput,
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	if _, err := s.store.Account(ctx, cardID); err != nil {
		return nil, err
	}

	return func(yield func(ledger.Transaction, error) bool) {
		q := ledger.Query{Kind: ledger.KindPresentment, From: w.Start, To: w.End, Limit: s.opts.PageSize}
		for {
			page, err := s.store.Transactions(ctx, cardID, q)
			if err != nil {
				yield(ledger.Transaction{}, err)
				return
			}
			for _, tx := range page {
				if !yield(tx, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			q.AfterSeq = page[len(page)-1].Seq
		}
	}, nil
}

func checkCard(cardID, currency string) error {
	if strings.TrimSpace(cardID) == "" {
		return fmt.Errorf("%w: card_id is required", ledger.ErrInvalidInput)
	}
	if !money.ValidCurrency(currency) {
		return fmt.Errorf("%w: %q is not a currency code", ledger.ErrInvalidInput, currency)
	}
	return nil
}
