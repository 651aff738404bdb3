package transfers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/card_issuer/internal/httpapi"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/logging"
	"github.com/congo-pay/card_issuer/internal/metrics"
	"github.com/congo-pay/card_issuer/internal/transactions"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type sweptCounter struct {
	metrics.NoOp
	swept atomic.Int64
}

func (c *sweptCounter) RecordSwept(n int) { c.swept.Add(int64(n)) }

func settle(t *testing.T, engine *transactions.Service, card, txID, currency, billing, settlement string) {
	t.Helper()
	ctx := context.Background()
	_, err := engine.Authorize(ctx, transactions.AuthorizeInput{
		TransactionID: txID, CardID: card,
		BillingAmount: d(billing), BillingCurrency: currency,
		TransactionAmount: d(billing), TransactionCurrency: currency,
	})
	require.NoError(t, err)
	_, err = engine.Settle(ctx, transactions.SettleInput{
		TransactionID: txID, CardID: card,
		BillingAmount: d(billing), BillingCurrency: currency,
		TransactionAmount: d(billing), TransactionCurrency: currency,
		SettlementAmount: d(settlement), SettlementCurrency: currency,
	})
	require.NoError(t, err)
}

func setup(t *testing.T) (ledger.Store, *transactions.Service) {
	t.Helper()
	store := ledger.NewInMemory()
	ctx := context.Background()
	_, err := store.CreateAccount(ctx, "1234LOBO", "EUR", d("100"))
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, "5678GATO", "USD", d("100"))
	require.NoError(t, err)
	engine := transactions.NewService(transactions.Deps{Store: store, Logger: logging.Discard()}, transactions.DefaultOptions())
	return store, engine
}

func TestSweepReportsDebtAndRevenue(t *testing.T) {
	store, engine := setup(t)
	settle(t, engine, "1234LOBO", "1237ZORRO", "EUR", "9.00", "8.95")

	counter := &sweptCounter{}
	svc := NewService(store, counter, logging.Discard())
	ctx := context.Background()

	sum, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8.95", sum.Debt.StringFixed(2))
	assert.Equal(t, "0.05", sum.Revenue.StringFixed(2))
	assert.Equal(t, 1, sum.Count)
	assert.EqualValues(t, 1, counter.swept.Load())

	pending, err := svc.Unfulfilled(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	sum, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Debt.IsZero())
	assert.True(t, sum.Revenue.IsZero())
	assert.Zero(t, sum.Count)
}

func TestSweepSplitsByCurrency(t *testing.T) {
	store, engine := setup(t)
	settle(t, engine, "1234LOBO", "a", "EUR", "9.00", "8.95")
	settle(t, engine, "1234LOBO", "b", "EUR", "1.00", "0.90")
	settle(t, engine, "5678GATO", "c", "USD", "20.00", "19.50")

	sum, err := NewService(store, nil, logging.Discard()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR", "USD"}, sum.Currencies())
	assert.Equal(t, "9.85", sum.ByCurrency["EUR"].Debt.StringFixed(2))
	assert.Equal(t, "0.15", sum.ByCurrency["EUR"].Revenue.StringFixed(2))
	assert.Equal(t, 2, sum.ByCurrency["EUR"].Count)
	assert.Equal(t, "0.50", sum.ByCurrency["USD"].Revenue.StringFixed(2))
	assert.Equal(t, 3, sum.Count)
}

func TestConcurrentSweepsNeverDoubleCount(t *testing.T) {
	store, engine := setup(t)
	svc := NewService(store, nil, logging.Discard())

	var g errgroup.Group
	var debt [4]decimal.Decimal
	g.Go(func() error {
		for i := 0; i < 30; i++ {
			settle(t, engine, "1234LOBO", fmt.Sprintf("tx-%d", i), "EUR", "1.00", "0.90")
		}
		return nil
	})
	for i := range debt {
		i := i
		g.Go(func() error {
			total := decimal.Zero
			for j := 0; j < 10; j++ {
				sum, err := svc.Sweep(context.Background())
				if err != nil {
					return err
				}
				total = total.Add(sum.Debt)
			}
			debt[i] = total
			return nil
		})
	}
	require.NoError(t, g.Wait())

	final, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	total := final.Debt
	for _, v := range debt {
		total = total.Add(v)
	}
	assert.Equal(t, "27.00", total.StringFixed(2))
}

type brokenStore struct {
	ledger.Store
}

func (brokenStore) SweepTransfers(context.Context, func([]ledger.Transfer) error) ([]ledger.Transfer, error) {
	return nil, ledger.ErrStoreUnavailable
}

func TestSweepFailureReportsNothing(t *testing.T) {
	counter := &sweptCounter{}
	svc := NewService(brokenStore{ledger.NewInMemory()}, counter, logging.Discard())
	sum, err := svc.Sweep(context.Background())
	assert.True(t, errors.Is(err, ledger.ErrStoreUnavailable))
	assert.Zero(t, sum.Count)
	assert.Zero(t, counter.swept.Load())
}

func TestHandlerSweep(t *testing.T) {
	store, engine := setup(t)
	settle(t, engine, "1234LOBO", "1237ZORRO", "EUR", "9.00", "8.95")

	h := NewHandler(NewService(store, nil, logging.Discard()))
	app := fiber.New(fiber.Config{Immutable: true, ErrorHandler: httpapi.ErrorHandler})
	app.Get("/transfers", h.Unfulfilled)
	app.Post("/transfers/sweep", h.Sweep)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/transfers", nil))
	require.NoError(t, err)
	var list struct {
		Transfers []transferResponse `json:"transfers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Transfers, 1)
	assert.Equal(t, "8.95", list.Transfers[0].Credit)
	assert.Equal(t, "9.00", list.Transfers[0].Debit)
	assert.False(t, list.Transfers[0].Fulfilled)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodPost, "/transfers/sweep", nil))
	require.NoError(t, err)
	var body struct {
		Debt    string `json:"debt"`
		Revenue string `json:"revenue"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "8.95", body.Debt)
	assert.Equal(t, "0.05", body.Revenue)
}
