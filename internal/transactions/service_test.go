package transactions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/logging"
	"github.com/congo-pay/card_issuer/internal/metrics"
	"github.com/congo-pay/card_issuer/internal/notification"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	store    ledger.Store
	svc      *Service
	notifier *recordingNotifier
	clock    *ledger.StepClock
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	store := ledger.NewInMemory()
	clock := ledger.NewStepClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), time.Second)
	notifier := &recordingNotifier{}
	svc := NewService(Deps{
		Store:    store,
		Clock:    clock,
		Notifier: notifier,
		Logger:   logging.Discard(),
	}, opts)
	_, err := store.CreateAccount(context.Background(), "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)
	return fixture{store: store, svc: svc, notifier: notifier, clock: clock}
}

func authorization(txID, amount string) AuthorizeInput {
	return AuthorizeInput{
		TransactionID:       txID,
		CardID:              "1234LOBO",
		BillingAmount:       d(amount),
		BillingCurrency:     "EUR",
		TransactionAmount:   d("10.00"),
		TransactionCurrency: "USD",
		Merchant:            ledger.Merchant{Name: "SNEAKERS R US", Country: "US", MCC: "5139"},
	}
}

func presentment(txID, billing, settlement string) SettleInput {
	return SettleInput{
		TransactionID:       txID,
		CardID:              "1234LOBO",
		BillingAmount:       d(billing),
		BillingCurrency:     "EUR",
		TransactionAmount:   d("10.00"),
		TransactionCurrency: "USD",
		SettlementAmount:    d(settlement),
		SettlementCurrency:  "EUR",
	}
}

func account(t *testing.T, f fixture) ledger.Account {
	t.Helper()
	acc, err := f.store.Account(context.Background(), "1234LOBO")
	require.NoError(t, err)
	return acc
}

func TestAuthorizeThenSettle(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, authorization("1237ZORRO", "9.00"))
	require.NoError(t, err)
	assert.True(t, res.Account.OnHold.Equal(d("9")))
	assert.True(t, res.Account.Balance.Equal(d("100")))
	assert.Equal(t, ledger.KindAuthorization, res.Transaction.Kind)
	assert.Nil(t, res.Transfer)

	res, err = f.svc.Settle(ctx, presentment("1237ZORRO", "9.00", "8.95"))
	require.NoError(t, err)
	assert.Equal(t, "91.00", res.Account.Balance.StringFixed(2))
	assert.Equal(t, "0.00", res.Account.OnHold.StringFixed(2))
	require.NotNil(t, res.Transfer)
	assert.True(t, res.Transfer.Credit.Equal(d("8.95")))
	assert.True(t, res.Transfer.Debit.Equal(d("9.00")))
	assert.Equal(t, "EUR", res.Transfer.Currency)
	assert.False(t, res.Transfer.Fulfilled)
	assert.True(t, res.Transaction.ReleasedHold.Equal(d("9")))

	transfers, err := f.store.UnfulfilledTransfers(ctx)
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
	assert.Equal(t, []string{notification.KindPresentmentSettled}, f.notifier.kinds())
}

func TestSettleReleasesAuthorizedAmountAndDebitsPresentedAmount(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, authorization("tip", "20.00"))
	require.NoError(t, err)
	_, err = f.svc.Settle(ctx, presentment("tip", "23.50", "23.40"))
	require.NoError(t, err)

	acc := account(t, f)
	assert.Equal(t, "76.50", acc.Balance.StringFixed(2))
	assert.True(t, acc.OnHold.IsZero())
}

func TestAuthorizeInsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, authorization("big", "100.01"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	acc := account(t, f)
	assert.True(t, acc.OnHold.IsZero())
	txs, _ := f.store.Transactions(ctx, "1234LOBO", ledger.Query{})
	assert.Empty(t, txs)
	assert.Equal(t, []string{notification.KindAuthorizationDeclined}, f.notifier.kinds())
}

func TestAuthorizeExactlyAvailableSucceeds(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.svc.Authorize(context.Background(), authorization("all-in", "100.00"))
	require.NoError(t, err)
	assert.True(t, account(t, f).Available().IsZero())
}

func TestAuthorizeCountsExistingHolds(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ledger.SeedAccount(f.store, "1234LOBO", d("100"), d("95"), "EUR")
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, authorization("over", "5.01"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	res, err := f.svc.Authorize(ctx, authorization("fits", "5.00"))
	require.NoError(t, err)
	assert.True(t, res.Account.OnHold.Equal(d("100")))
}

func TestDuplicateAuthorization(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, authorization("dup", "5.00"))
	require.NoError(t, err)
	_, err = f.svc.Authorize(ctx, authorization("dup", "5.00"))
	require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)

	assert.True(t, account(t, f).OnHold.Equal(d("5")))
	txs, _ := f.store.Transactions(ctx, "1234LOBO", ledger.Query{})
	assert.Len(t, txs, 1)
}

func TestDuplicatePresentment(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, authorization("dup", "5.00"))
	require.NoError(t, err)
	_, err = f.svc.Settle(ctx, presentment("dup", "5.00", "4.90"))
	require.NoError(t, err)
	_, err = f.svc.Settle(ctx, presentment("dup", "5.00", "4.90"))
	require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)

	acc := account(t, f)
	assert.Equal(t, "95.00", acc.Balance.StringFixed(2))
	transfers, _ := f.store.UnfulfilledTransfers(ctx)
	assert.Len(t, transfers, 1)
}

func TestPresentmentWithoutAuthorization(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, presentment("ghost", "5.00", "4.90"))
	require.ErrorIs(t, err, ledger.ErrNoMatchingAuthorization)

	acc := account(t, f)
	assert.True(t, acc.Balance.Equal(d("100")))
	transfers, _ := f.store.UnfulfilledTransfers(ctx)
	assert.Empty(t, transfers)
}

func TestAuthorizationOnAnotherCardDoesNotMatch(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	_, err := f.store.CreateAccount(ctx, "9999OTRO", "EUR", d("50"))
	require.NoError(t, err)

	in := authorization("shared", "5.00")
	in.CardID = "9999OTRO"
	_, err = f.svc.Authorize(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.Settle(ctx, presentment("shared", "5.00", "5.00"))
	require.ErrorIs(t, err, ledger.ErrNoMatchingAuthorization)
}

func TestCurrencyMismatch(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	in := authorization("usd", "5.00")
	in.BillingCurrency = "USD"

	_, err := f.svc.Authorize(context.Background(), in)
	require.ErrorIs(t, err, ledger.ErrCurrencyMismatch)
	assert.True(t, account(t, f).OnHold.IsZero())
}

func TestCurrencyMismatchAllowedWhenNotEnforced(t *testing.T) {
	opts := DefaultOptions()
	opts.EnforceCurrency = false
	f := newFixture(t, opts)
	in := authorization("usd", "5.00")
	in.BillingCurrency = "USD"

	_, err := f.svc.Authorize(context.Background(), in)
	require.NoError(t, err)
}

func TestRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, authorization("neg", "-1.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.svc.Authorize(ctx, authorization("frac", "1.001"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.svc.Authorize(ctx, authorization("", "1.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.svc.Apply(ctx, Input{Kind: "refund"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestUnknownAccount(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	in := authorization("x", "1.00")
	in.CardID = "NOPE"
	_, err := f.svc.Authorize(context.Background(), in)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestApplyDispatchesByKind(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	auth := Input{Kind: ledger.KindAuthorization, SettleInput: presentment("via-apply", "9.00", "0")}
	_, err := f.svc.Apply(ctx, auth)
	require.NoError(t, err)

	pres := Input{Kind: ledger.KindPresentment, SettleInput: presentment("via-apply", "9.00", "8.95")}
	res, err := f.svc.Apply(ctx, pres)
	require.NoError(t, err)
	assert.Equal(t, "91.00", res.Account.Balance.StringFixed(2))
}

func TestConcurrentAuthorizationsNeverOverdraw(t *testing.T) {
	const (
		n      = 40
		amount = "7.00"
	)
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	var ok, declined atomic.Int64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := f.svc.Authorize(ctx, authorization(fmt.Sprintf("c-%d", i), amount))
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ledger.ErrInsufficientFunds):
				declined.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// floor(100 / 7) = 14
	assert.EqualValues(t, 14, ok.Load())
	assert.EqualValues(t, n-14, declined.Load())
	acc := account(t, f)
	assert.Equal(t, "98.00", acc.OnHold.StringFixed(2))
	assert.False(t, acc.Available().IsNegative())
}

func TestConcurrentAccountsProceedIndependently(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cards := []string{"A", "B", "C", "D"}
	for _, c := range cards {
		_, err := f.store.CreateAccount(ctx, c, "EUR", d("10"))
		require.NoError(t, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cards {
		c := c
		for i := 0; i < 10; i++ {
			i := i
			g.Go(func() error {
				in := authorization(fmt.Sprintf("%s-%d", c, i), "1.00")
				in.CardID = c
				_, err := f.svc.Authorize(gctx, in)
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for _, c := range cards {
		acc, err := f.store.Account(ctx, c)
		require.NoError(t, err)
		assert.True(t, acc.Available().IsZero(), c)
	}
}

// conflictingStore fails the first failures Mutate calls with ErrConflict.
type conflictingStore struct {
	ledger.Store
	failures int32
	calls    atomic.Int32
}

func (s *conflictingStore) Mutate(ctx context.Context, cardID string, fn ledger.MutateFunc) (ledger.Result, error) {
	if s.calls.Add(1) <= s.failures {
		return ledger.Result{}, fmt.Errorf("%w: simulated serialization failure", ledger.ErrConflict)
	}
	return s.Store.Mutate(ctx, cardID, fn)
}

type retryCounter struct {
	metrics.NoOp
	retries atomic.Int32
}

func (r *retryCounter) RecordRetry(string) { r.retries.Add(1) }

func TestConflictsAreRetried(t *testing.T) {
	inner := ledger.NewInMemory()
	_, err := inner.CreateAccount(context.Background(), "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)
	store := &conflictingStore{Store: inner, failures: 2}
	counter := &retryCounter{}

	opts := DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 2 * time.Millisecond
	svc := NewService(Deps{Store: store, Metrics: counter, Logger: logging.Discard()}, opts)

	_, err = svc.Authorize(context.Background(), authorization("retry", "1.00"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, store.calls.Load())
	assert.EqualValues(t, 2, counter.retries.Load())
}

func TestConflictRetriesAreBounded(t *testing.T) {
	inner := ledger.NewInMemory()
	_, err := inner.CreateAccount(context.Background(), "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)
	store := &conflictingStore{Store: inner, failures: 1000}

	opts := DefaultOptions()
	opts.MaxAttempts = 3
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = time.Millisecond
	svc := NewService(Deps{Store: store, Logger: logging.Discard()}, opts)

	_, err = svc.Authorize(context.Background(), authorization("never", "1.00"))
	require.ErrorIs(t, err, ledger.ErrTransient)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.EqualValues(t, 3, store.calls.Load())

	acc, _ := inner.Account(context.Background(), "1234LOBO")
	assert.True(t, acc.OnHold.IsZero())
}

// slowStore blocks inside the atomic unit until the context expires.
type slowStore struct {
	ledger.Store
}

func (s slowStore) Mutate(ctx context.Context, cardID string, fn ledger.MutateFunc) (ledger.Result, error) {
	return s.Store.Mutate(ctx, cardID, func(ctx context.Context, v ledger.View) (ledger.Mutation, error) {
		<-ctx.Done()
		return fn(ctx, v)
	})
}

func TestTimeoutSurfacesTransientWithoutEffect(t *testing.T) {
	inner := ledger.NewInMemory()
	_, err := inner.CreateAccount(context.Background(), "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.MaxAttempts = 2
	opts.OpTimeout = 5 * time.Millisecond
	opts.BaseDelay = time.Millisecond
	svc := NewService(Deps{Store: slowStore{inner}, Logger: logging.Discard()}, opts)

	_, err = svc.Authorize(context.Background(), authorization("slow", "1.00"))
	require.ErrorIs(t, err, ledger.ErrTransient)

	acc, _ := inner.Account(context.Background(), "1234LOBO")
	assert.True(t, acc.OnHold.IsZero())
	txs, _ := inner.Transactions(context.Background(), "1234LOBO", ledger.Query{})
	assert.Empty(t, txs)
}

// lostAckStore commits the next drops mutations but reports each one as a
// timeout, the way a deadline expiring during COMMIT looks to the caller.
type lostAckStore struct {
	ledger.Store
	drops atomic.Int32
}

func (s *lostAckStore) Mutate(ctx context.Context, cardID string, fn ledger.MutateFunc) (ledger.Result, error) {
	res, err := s.Store.Mutate(ctx, cardID, fn)
	if err == nil && s.drops.Add(-1) >= 0 {
		return ledger.Result{}, fmt.Errorf("%w: commit acknowledgement lost: %w", ledger.ErrTransient, context.DeadlineExceeded)
	}
	return res, err
}

func newLostAckService(t *testing.T) (*Service, *lostAckStore) {
	t.Helper()
	inner := ledger.NewInMemory()
	_, err := inner.CreateAccount(context.Background(), "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)
	store := &lostAckStore{Store: inner}
	opts := DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = time.Millisecond
	return NewService(Deps{Store: store, Logger: logging.Discard()}, opts), store
}

func TestAuthorizeCommittedBeforeTimeoutSucceedsOnRetry(t *testing.T) {
	svc, store := newLostAckService(t)
	store.drops.Store(1)
	ctx := context.Background()

	res, err := svc.Authorize(ctx, authorization("1237ZORRO", "9.00"))
	require.NoError(t, err)
	assert.Equal(t, "1237ZORRO", res.Transaction.TransactionID)
	assert.Equal(t, "9.00", res.Account.OnHold.StringFixed(2))

	txs, err := store.Transactions(ctx, "1234LOBO", ledger.Query{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSettleCommittedBeforeTimeoutSucceedsOnRetry(t *testing.T) {
	svc, store := newLostAckService(t)
	ctx := context.Background()

	_, err := svc.Authorize(ctx, authorization("1237ZORRO", "9.00"))
	require.NoError(t, err)

	store.drops.Store(1)
	res, err := svc.Settle(ctx, presentment("1237ZORRO", "9.00", "8.95"))
	require.NoError(t, err)
	assert.Equal(t, "91.00", res.Account.Balance.StringFixed(2))
	assert.True(t, res.Account.OnHold.IsZero())

	transfers, err := store.UnfulfilledTransfers(ctx)
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}

func TestRetriedAttemptStillRejectsDifferentDuplicate(t *testing.T) {
	inner := ledger.NewInMemory()
	_, err := inner.CreateAccount(context.Background(), "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = time.Millisecond

	_, err = NewService(Deps{Store: inner, Logger: logging.Discard()}, opts).
		Authorize(context.Background(), authorization("dup", "5.00"))
	require.NoError(t, err)

	store := &conflictingStore{Store: inner, failures: 1}
	svc := NewService(Deps{Store: store, Logger: logging.Discard()}, opts)
	_, err = svc.Authorize(context.Background(), authorization("dup", "9.00"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
	assert.EqualValues(t, 2, store.calls.Load())

	acc, _ := inner.Account(context.Background(), "1234LOBO")
	assert.Equal(t, "5.00", acc.OnHold.StringFixed(2))
}
