package transfers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/metrics"
	"github.com/congo-pay/card_issuer/internal/money"
)

// Totals are the amounts owed for one currency. Debt is what the issuer owes
// the scheme (the settled credits); Revenue is what was debited from
// cardholders beyond that.
type Totals struct {
	Debt    decimal.Decimal
	Revenue decimal.Decimal
	Count   int
}

// Summary is the outcome of one sweep.
type Summary struct {
	Totals
	ByCurrency map[string]Totals
}

// Currencies returns the swept currencies in a stable order.
func (s Summary) Currencies() []string {
	out := make([]string, 0, len(s.ByCurrency))
	for c := range s.ByCurrency {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Summarize sums credits and debits across transfers.
func Summarize(batch []ledger.Transfer) Summary {
	sum := Summary{ByCurrency: map[string]Totals{}}
	credit, debit := decimal.Zero, decimal.Zero
	for _, tr := range batch {
		credit = credit.Add(tr.Credit)
		debit = debit.Add(tr.Debit)

		t := sum.ByCurrency[tr.Currency]
		t.Debt = t.Debt.Add(tr.Credit)
		t.Revenue = t.Revenue.Add(tr.Debit.Sub(tr.Credit))
		t.Count++
		sum.ByCurrency[tr.Currency] = t
	}
	sum.Debt = credit
	sum.Revenue = debit.Sub(credit)
	sum.Count = len(batch)
	return sum
}

// Service runs the revenue/debt sweep over unfulfilled transfers.
type Service struct {
	store   ledger.Store
	metrics metrics.Recorder
	logger  *slog.Logger
}

func NewService(store ledger.Store, recorder metrics.Recorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, metrics: recorder, logger: logger}
}

// Sweep totals every unfulfilled transfer and marks exactly those fulfilled
// in one unit. Transfers created while the sweep runs are left for the next one.
func (s *Service) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	swept, err := s.store.SweepTransfers(ctx, func(batch []ledger.Transfer) error {
		sum = Summarize(batch)
		return nil
	})
	if err != nil {
		s.logger.Error("transfer sweep failed", "error", err)
		return Summary{}, err
	}
	s.metrics.RecordSwept(len(swept))
	s.logger.Info("transfers swept",
		"count", len(swept), "debt", money.Format(sum.Debt), "revenue", money.Format(sum.Revenue))
	return sum, nil
}

// Unfulfilled lists transfers still waiting for a sweep, oldest first.
func (s *Service) Unfulfilled(ctx context.Context) ([]ledger.Transfer, error) {
	return s.store.UnfulfilledTransfers(ctx)
}
