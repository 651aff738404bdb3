package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/congo-pay/card_issuer/internal/metrics"
)

// BreakerConfig tunes the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the cyclic period in the closed state after which counts reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// ResilientStore guards a Store with a circuit breaker. Only infrastructure
// failures count against the breaker; business rejections pass through as successes.
type ResilientStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewResilientStore wraps next.
func NewResilientStore(next Store, cfg BreakerConfig, recorder metrics.Recorder, logger *slog.Logger) *ResilientStore {
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed", "store", name, "from", from.String(), "to", to.String())
			state := metrics.CircuitClosed
			switch to {
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			}
			recorder.RecordCircuitState(name, state)
		},
	}
	return &ResilientStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func guarded[T any](s *ResilientStore, call func() (T, error)) (T, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return call()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	v, _ := out.(T)
	return v, err
}

func (s *ResilientStore) Account(ctx context.Context, cardID string) (Account, error) {
	return guarded(s, func() (Account, error) { return s.next.Account(ctx, cardID) })
}

func (s *ResilientStore) CreateAccount(ctx context.Context, cardID, currency string, balance decimal.Decimal) (Account, error) {
	return guarded(s, func() (Account, error) { return s.next.CreateAccount(ctx, cardID, currency, balance) })
}

func (s *ResilientStore) LoadFunds(ctx context.Context, cardID string, amount decimal.Decimal, currency string) (Account, error) {
	return guarded(s, func() (Account, error) { return s.next.LoadFunds(ctx, cardID, amount, currency) })
}

func (s *ResilientStore) Mutate(ctx context.Context, cardID string, fn MutateFunc) (Result, error) {
	return guarded(s, func() (Result, error) { return s.next.Mutate(ctx, cardID, fn) })
}

func (s *ResilientStore) History(ctx context.Context, cardID string, since time.Time) (History, error) {
	return guarded(s, func() (History, error) { return s.next.History(ctx, cardID, since) })
}

func (s *ResilientStore) Transactions(ctx context.Context, cardID string, q Query) ([]Transaction, error) {
	return guarded(s, func() ([]Transaction, error) { return s.next.Transactions(ctx, cardID, q) })
}

func (s *ResilientStore) UnfulfilledTransfers(ctx context.Context) ([]Transfer, error) {
	return guarded(s, func() ([]Transfer, error) { return s.next.UnfulfilledTransfers(ctx) })
}

func (s *ResilientStore) SweepTransfers(ctx context.Context, fn func([]Transfer) error) ([]Transfer, error) {
	return guarded(s, func() ([]Transfer, error) { return s.next.SweepTransfers(ctx, fn) })
}

var _ Store = (*ResilientStore)(nil)
