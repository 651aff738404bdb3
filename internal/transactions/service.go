package transactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/metrics"
	"github.com/congo-pay/card_issuer/internal/money"
	"github.com/congo-pay/card_issuer/internal/notification"
)

// Options tunes retry and validation behaviour of the engine.
type Options struct {
	// MaxAttempts bounds how often a conflicting command is tried before a
	// transient failure is surfaced.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OpTimeout bounds one atomic unit. Zero disables it.
	OpTimeout time.Duration
	// EnforceCurrency rejects transactions billed in a currency other than the account's.
	EnforceCurrency bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     5,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        250 * time.Millisecond,
		OpTimeout:       5 * time.Second,
		EnforceCurrency: true,
	}
}

// Deps are the collaborators of the engine. Store and Clock are required.
type Deps struct {
	Store    ledger.Store
	Clock    ledger.Clock
	Notifier notification.Notifier
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

// Service applies card network authorizations and presentments to the ledger.
type Service struct {
	store    ledger.Store
	clock    ledger.Clock
	notifier notification.Notifier
	metrics  metrics.Recorder
	logger   *slog.Logger
	opts     Options
}

// NewService constructs the transaction engine.
func NewService(deps Deps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = ledger.NewMonotonicClock(ledger.SystemClock)
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOp{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Service{
		store:    deps.Store,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		opts:     opts,
	}
}

// AuthorizeInput is a validated authorization message.
type AuthorizeInput struct {
	TransactionID       string
	CardID              string
	BillingAmount       decimal.Decimal
	BillingCurrency     string
	TransactionAmount   decimal.Decimal
	TransactionCurrency string
	Merchant            ledger.Merchant
}

// SettleInput is a validated presentment message.
type SettleInput struct {
	TransactionID       string
	CardID              string
	BillingAmount       decimal.Decimal
	BillingCurrency     string
	TransactionAmount   decimal.Decimal
	TransactionCurrency string
	SettlementAmount    decimal.Decimal
	SettlementCurrency  string
	Merchant            ledger.Merchant
}

// Input carries either message kind through Apply.
type Input struct {
	Kind ledger.Kind
	SettleInput
}

func validate(transactionID, cardID string, amounts ...decimal.Decimal) error {
	if transactionID == "" || cardID == "" {
		return fmt.Errorf("%w: transaction_id and card_id are required", ledger.ErrInvalidInput)
	}
	for _, amount := range amounts {
		if err := money.Validate(amount); err != nil {
			return err
		}
	}
	return nil
}

// Apply dispatches an incoming network message by kind.
func (s *Service) Apply(ctx context.Context, in Input) (ledger.Result, error) {
	switch in.Kind {
	case ledger.KindAuthorization:
		return s.Authorize(ctx, AuthorizeInput{
			TransactionID:       in.TransactionID,
			CardID:              in.CardID,
			BillingAmount:       in.BillingAmount,
			BillingCurrency:     in.BillingCurrency,
			TransactionAmount:   in.TransactionAmount,
			TransactionCurrency: in.TransactionCurrency,
			Merchant:            in.Merchant,
		})
	case ledger.KindPresentment:
		return s.Settle(ctx, in.SettleInput)
	}
	return ledger.Result{}, fmt.Errorf("%w: unsupported transaction type %q", ledger.ErrInvalidInput, in.Kind)
}

// Authorize places a hold of BillingAmount on the card's account.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (ledger.Result, error) {
	if err := validate(in.TransactionID, in.CardID, in.BillingAmount, in.TransactionAmount); err != nil {
		return ledger.Result{}, err
	}

	res, err := s.mutate(ctx, "authorize", in.CardID, func(ctx context.Context, view ledger.View, retried bool) (ledger.Mutation, error) {
		acc := view.Account()
		tx := ledger.Transaction{
			TransactionID:       in.TransactionID,
			Kind:                ledger.KindAuthorization,
			BillingAmount:       in.BillingAmount,
			BillingCurrency:     in.BillingCurrency,
			TransactionAmount:   in.TransactionAmount,
			TransactionCurrency: in.TransactionCurrency,
			Merchant:            in.Merchant,
		}
		if err := ensureAbsent(ctx, view, tx, retried); err != nil {
			return ledger.Mutation{}, err
		}
		if err := s.checkCurrency(acc, in.BillingCurrency); err != nil {
			return ledger.Mutation{}, err
		}
		if acc.Available().Sub(in.BillingAmount).IsNegative() {
			return ledger.Mutation{}, fmt.Errorf("%w: available %s, requested %s",
				ledger.ErrInsufficientFunds, money.Format(acc.Available()), money.Format(in.BillingAmount))
		}
		tx.CreatedAt = s.clock.Now()
		return ledger.Mutation{
			Balance:     acc.Balance,
			OnHold:      acc.OnHold.Add(in.BillingAmount),
			Transaction: tx,
		}, nil
	})
	if err != nil {
		if isRejection(err) {
			s.logger.Info("authorization declined",
				"card_id", in.CardID, "transaction_id", in.TransactionID, "reason", ledger.Code(err))
			s.notify(ctx, notification.Message{
				Kind:        notification.KindAuthorizationDeclined,
				Destination: in.CardID,
				Body:        fmt.Sprintf("Authorization of %s %s was declined", money.Format(in.BillingAmount), in.BillingCurrency),
				Attributes:  map[string]string{"transaction_id": in.TransactionID, "reason": ledger.Code(err)},
			})
		}
		return ledger.Result{}, err
	}
	return res, nil
}

// Settle finalizes an authorization: it releases the authorized hold, debits
// the presented billing amount and records a Transfer, all in one unit.
func (s *Service) Settle(ctx context.Context, in SettleInput) (ledger.Result, error) {
	if err := validate(in.TransactionID, in.CardID, in.BillingAmount, in.TransactionAmount, in.SettlementAmount); err != nil {
		return ledger.Result{}, err
	}

	res, err := s.mutate(ctx, "settle", in.CardID, func(ctx context.Context, view ledger.View, retried bool) (ledger.Mutation, error) {
		acc := view.Account()
		auth, err := view.Lookup(ctx, in.TransactionID, ledger.KindAuthorization)
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Mutation{}, fmt.Errorf("%w: %s", ledger.ErrNoMatchingAuthorization, in.TransactionID)
		}
		if err != nil {
			return ledger.Mutation{}, err
		}

		tx := ledger.Transaction{
			TransactionID:       in.TransactionID,
			Kind:                ledger.KindPresentment,
			BillingAmount:       in.BillingAmount,
			BillingCurrency:     in.BillingCurrency,
			TransactionAmount:   in.TransactionAmount,
			TransactionCurrency: in.TransactionCurrency,
			SettlementAmount:    in.SettlementAmount,
			SettlementCurrency:  in.SettlementCurrency,
			ReleasedHold:        auth.BillingAmount,
			Merchant:            in.Merchant,
		}
		if err := ensureAbsent(ctx, view, tx, retried); err != nil {
			return ledger.Mutation{}, err
		}
		if err := s.checkCurrency(acc, in.BillingCurrency); err != nil {
			return ledger.Mutation{}, err
		}

		tx.CreatedAt = s.clock.Now()
		return ledger.Mutation{
			Balance:     acc.Balance.Sub(in.BillingAmount),
			OnHold:      acc.OnHold.Sub(auth.BillingAmount),
			Transaction: tx,
			Transfer: &ledger.Transfer{
				Credit:    in.SettlementAmount,
				Debit:     in.BillingAmount,
				Currency:  in.BillingCurrency,
				CreatedAt: tx.CreatedAt,
			},
		}, nil
	})
	if err != nil {
		if isRejection(err) {
			s.logger.Info("presentment rejected",
				"card_id", in.CardID, "transaction_id", in.TransactionID, "reason", ledger.Code(err))
		}
		return ledger.Result{}, err
	}

	s.notify(ctx, notification.Message{
		Kind:        notification.KindPresentmentSettled,
		Destination: in.CardID,
		Body:        fmt.Sprintf("%s %s settled", money.Format(in.BillingAmount), in.BillingCurrency),
		Attributes:  map[string]string{"transaction_id": in.TransactionID},
	})
	return res, nil
}

// mutate runs one atomic unit with bounded retry on conflict and records its
// outcome. fn is told whether an earlier attempt failed, since a failure
// reported after the commit leaves the unit applied.
func (s *Service) mutate(ctx context.Context, op, cardID string, fn func(context.Context, ledger.View, bool) (ledger.Mutation, error)) (ledger.Result, error) {
	start := time.Now()
	var res ledger.Result
	retried := false
	err := s.retry(ctx, op, func(ctx context.Context) error {
		if s.opts.OpTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.OpTimeout)
			defer cancel()
		}
		r, err := s.store.Mutate(ctx, cardID, func(ctx context.Context, view ledger.View) (ledger.Mutation, error) {
			return fn(ctx, view, retried)
		})
		var applied *appliedError
		if errors.As(err, &applied) {
			s.logger.Info("transaction already applied by an earlier attempt",
				"operation", op, "card_id", cardID, "transaction_id", applied.tx.TransactionID)
			res = ledger.Result{Account: applied.account, Transaction: applied.tx}
			return nil
		}
		if err != nil {
			retried = true
			if ctx.Err() != nil && !errors.Is(err, ledger.ErrTransient) {
				return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
			}
			return err
		}
		res = r
		return nil
	})
	s.metrics.RecordOperation(op, ledger.Code(err), time.Since(start))
	if err != nil && !isRejection(err) {
		s.logger.Error("ledger operation failed", "operation", op, "card_id", cardID, "error", err)
	}
	return res, err
}

func (s *Service) checkCurrency(acc ledger.Account, currency string) error {
	if !s.opts.EnforceCurrency || acc.Currency == currency {
		return nil
	}
	return fmt.Errorf("%w: account is %s, transaction is %s", ledger.ErrCurrencyMismatch, acc.Currency, currency)
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", "kind", msg.Kind, "error", err)
	}
}

// appliedError carries a transaction an earlier attempt of the same command
// already committed.
type appliedError struct {
	account ledger.Account
	tx      ledger.Transaction
}

func (e *appliedError) Error() string {
	return fmt.Sprintf("%s %s already applied", e.tx.Kind, e.tx.TransactionID)
}

// ensureAbsent rejects want when its key is already recorded. After a failed
// attempt a stored record with the same amounts is that attempt's own commit
// and is reported as an appliedError instead.
func ensureAbsent(ctx context.Context, view ledger.View, want ledger.Transaction, retried bool) error {
	stored, err := view.Lookup(ctx, want.TransactionID, want.Kind)
	switch {
	case err == nil:
		if retried && sameCommand(stored, want) {
			return &appliedError{account: view.Account(), tx: stored}
		}
		return fmt.Errorf("%w: %s %s", ledger.ErrDuplicateTransaction, want.Kind, want.TransactionID)
	case errors.Is(err, ledger.ErrNotFound):
		return nil
	default:
		return err
	}
}

func sameCommand(a, b ledger.Transaction) bool {
	return a.Kind == b.Kind &&
		a.BillingAmount.Equal(b.BillingAmount) &&
		a.BillingCurrency == b.BillingCurrency &&
		a.TransactionAmount.Equal(b.TransactionAmount) &&
		a.TransactionCurrency == b.TransactionCurrency &&
		a.SettlementAmount.Equal(b.SettlementAmount) &&
		a.SettlementCurrency == b.SettlementCurrency
}

// isRejection reports business-rule failures, which are never retried.
func isRejection(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrNoMatchingAuthorization) ||
		errors.Is(err, ledger.ErrDuplicateTransaction) ||
		errors.Is(err, ledger.ErrCurrencyMismatch) ||
		errors.Is(err, ledger.ErrInvalidAmount) ||
		errors.Is(err, ledger.ErrInvalidInput) ||
		errors.Is(err, ledger.ErrNotFound)
}
