package infra

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/card_issuer/internal/config"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/metrics"
)

// NewLedgerStore picks the ledger backend. With a pool it returns the Postgres
// store behind a circuit breaker; without one it returns an in-memory store.
func NewLedgerStore(db *pgxpool.Pool, cfg config.Config, recorder metrics.Recorder, logger *slog.Logger) ledger.Store {
	if db == nil {
		logger.Warn("no database configured, using in-memory ledger")
		return ledger.NewInMemory()
	}
	return ledger.NewResilientStore(ledger.NewPostgresStore(db), ledger.BreakerConfig{
		Name:                "postgres",
		MaxRequests:         1,
		Timeout:             cfg.Breaker.OpenTimeout,
		ConsecutiveFailures: cfg.Breaker.Failures,
	}, recorder, logger)
}
