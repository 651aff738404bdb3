package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/accounts"
	"github.com/congo-pay/card_issuer/internal/config"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/metrics"
	"github.com/congo-pay/card_issuer/internal/money"
	"github.com/congo-pay/card_issuer/internal/transfers"
)

var errUsage = errors.New("usage")

var errNoDatabase = errors.New("DATABASE_URL is not set; refusing to run against a throwaway in-memory ledger")

// requireDatabase rejects configurations without a Postgres ledger, where
// every command would act on a store that vanishes when the process exits.
func requireDatabase(cfg config.Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errNoDatabase
	}
	return nil
}

const usage = `usage:
  issuerctl create <card_id> [currency] [opening_balance]
  issuerctl load <card_id> <amount> <currency>
  issuerctl sweep [-by-currency]
`

type commands struct {
	accounts  *accounts.Service
	transfers *transfers.Service
}

func newCommands(store ledger.Store, cfg config.Config, logger *slog.Logger) commands {
	return commands{
		accounts: accounts.NewService(store, logger, accounts.Options{
			PageSize:        cfg.Ledger.PageSize,
			DefaultCurrency: cfg.DefaultCurrency,
			Backoff: ledger.Backoff{
				MaxAttempts: cfg.Ledger.MaxAttempts,
				BaseDelay:   cfg.Ledger.RetryBaseDelay,
				MaxDelay:    cfg.Ledger.RetryMaxDelay,
			},
		}),
		transfers: transfers.NewService(store, metrics.NoOp{}, logger),
	}
}

func run(ctx context.Context, args []string, cmds commands, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	var err error
	switch args[0] {
	case "create":
		err = cmds.create(ctx, args[1:], stdout)
	case "load":
		err = cmds.load(ctx, args[1:], stdout)
	case "sweep":
		err = cmds.sweep(ctx, args[1:], stdout)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	if err != nil {
		fmt.Fprintf(stderr, "issuerctl %s: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
		}
	}
	return err
}

func (c commands) create(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 3 {
		return errUsage
	}
	currency := ""
	if len(args) > 1 {
		currency = args[1]
	}
	opening := decimal.Zero
	if len(args) > 2 {
		var err error
		if opening, err = money.Parse(args[2]); err != nil {
			return err
		}
	}
	acc, err := c.accounts.Create(ctx, args[0], currency, opening)
	if err != nil {
		return err
	}
	printAccount(out, acc)
	return nil
}

func (c commands) load(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 3 {
		return errUsage
	}
	amount, err := money.Parse(args[1])
	if err != nil {
		return err
	}
	acc, err := c.accounts.LoadFunds(ctx, args[0], amount, args[2])
	if err != nil {
		return err
	}
	printAccount(out, acc)
	return nil
}

func (c commands) sweep(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	byCurrency := fs.Bool("by-currency", false, "also print totals per currency")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	sum, err := c.transfers.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "debt = %s\n", money.Format(sum.Debt))
	fmt.Fprintf(out, "revenue = %s\n", money.Format(sum.Revenue))
	if *byCurrency {
		for _, cur := range sum.Currencies() {
			t := sum.ByCurrency[cur]
			fmt.Fprintf(out, "%s: debt = %s revenue = %s transfers = %d\n",
				cur, money.Format(t.Debt), money.Format(t.Revenue), t.Count)
		}
	}
	return nil
}

func printAccount(out io.Writer, acc ledger.Account) {
	fmt.Fprintf(out, "card_id = %s\nbalance = %s\non_hold = %s\ncurrency = %s\n",
		acc.CardID, money.Format(acc.Balance), money.Format(acc.OnHold), acc.Currency)
}

func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}
