package balance

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/ledger"
)

// Snapshot is an account position at one instant. LedgerBalance is the
// spendable amount, balance minus on_hold.
type Snapshot struct {
	Balance       decimal.Decimal
	LedgerBalance decimal.Decimal
}

func live(acc ledger.Account) Snapshot {
	return Snapshot{Balance: acc.Balance, LedgerBalance: acc.Available()}
}

// Reconstruct undoes, newest first, every transaction in txs against the
// current account position. txs must hold exactly the card's transactions
// created at or after the instant being reconstructed.
//
// The first record seen for a transaction id takes the full reversal. A later
// record for the same id only moves on_hold back.
func Reconstruct(acc ledger.Account, txs []ledger.Transaction) Snapshot {
	balance := acc.Balance
	onHold := acc.OnHold
	seen := make(map[string]struct{}, len(txs))

	for _, tx := range txs {
		_, again := seen[tx.TransactionID]
		switch {
		case tx.Kind == ledger.KindPresentment && !again:
			balance = balance.Add(tx.BillingAmount)
			onHold = onHold.Add(tx.ReleasedHold)
		default:
			onHold = onHold.Sub(tx.BillingAmount)
		}
		seen[tx.TransactionID] = struct{}{}
	}
	return Snapshot{Balance: balance, LedgerBalance: balance.Sub(onHold)}
}

// Service answers balance queries, live or as of a past instant.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// At returns the card's position as it was just before at. A zero at returns
// the live position.
func (s *Service) At(ctx context.Context, cardID string, at time.Time) (Snapshot, error) {
	if at.IsZero() {
		acc, err := s.store.Account(ctx, cardID)
		if err != nil {
			return Snapshot{}, err
		}
		return live(acc), nil
	}

	h, err := s.store.History(ctx, cardID, at)
	if err != nil {
		return Snapshot{}, err
	}
	s.logger.Debug("reconstructing balance", "card_id", cardID, "at", at, "undone", len(h.Transactions))
	return Reconstruct(h.Account, h.Transactions), nil
}
