// Command issuerctl runs administrative ledger operations: creating accounts,
// loading funds and sweeping transfers for revenue reporting.
//
//	issuerctl create <card_id> [currency] [opening_balance]
//	issuerctl load <card_id> <amount> <currency>
//	issuerctl sweep [-by-currency]
//
// DATABASE_URL must point at the ledger database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/card_issuer/internal/config"
	"github.com/congo-pay/card_issuer/internal/infra"
	"github.com/congo-pay/card_issuer/internal/logging"
	"github.com/congo-pay/card_issuer/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := requireDatabase(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "issuerctl: %v\n", err)
		os.Exit(1)
	}
	if err := infra.Migrate(cfg.DatabaseURL, logger); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store := infra.NewLedgerStore(db, cfg, metrics.NoOp{}, logger)
	if err := run(ctx, os.Args[1:], newCommands(store, cfg, logger), os.Stdout, os.Stderr); err != nil {
		os.Exit(exitCode(err))
	}
}
