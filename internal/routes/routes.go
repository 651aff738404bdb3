package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/card_issuer/internal/accounts"
	"github.com/congo-pay/card_issuer/internal/balance"
	"github.com/congo-pay/card_issuer/internal/config"
	"github.com/congo-pay/card_issuer/internal/infra"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/metrics"
	promcollector "github.com/congo-pay/card_issuer/internal/metrics/prometheus"
	"github.com/congo-pay/card_issuer/internal/middleware"
	"github.com/congo-pay/card_issuer/internal/notification"
	"github.com/congo-pay/card_issuer/internal/transactions"
	"github.com/congo-pay/card_issuer/internal/transfers"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry
	// Store overrides the backend chosen from DB. Tests use it.
	Store ledger.Store
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() && d.Store == nil {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	var recorder metrics.Recorder = metrics.NoOp{}
	if d.Cfg.MetricsEnabled && d.Registry != nil {
		collector := promcollector.NewCollector("issuer")
		if err := collector.Register(d.Registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		recorder = collector
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger, recorder))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	// Health and metrics
	RegisterHealthRoutes(app, d)
	if d.Cfg.MetricsEnabled && d.Registry != nil {
		RegisterMetricsRoute(app, d.Registry)
	}

	// Services and handlers
	store := d.Store
	if store == nil {
		store = infra.NewLedgerStore(d.DB, d.Cfg, recorder, d.Logger)
	}
	engine := transactions.NewService(transactions.Deps{
		Store:    store,
		Notifier: notification.NewLoggerNotifier(d.Logger),
		Metrics:  recorder,
		Logger:   d.Logger,
	}, transactions.Options{
		MaxAttempts:     d.Cfg.Ledger.MaxAttempts,
		BaseDelay:       d.Cfg.Ledger.RetryBaseDelay,
		MaxDelay:        d.Cfg.Ledger.RetryMaxDelay,
		OpTimeout:       d.Cfg.Ledger.OpTimeout,
		EnforceCurrency: d.Cfg.Ledger.EnforceCurrency,
	})
	accountSvc := accounts.NewService(store, d.Logger, accounts.Options{
		PageSize:        d.Cfg.Ledger.PageSize,
		DefaultCurrency: d.Cfg.DefaultCurrency,
		Backoff: ledger.Backoff{
			MaxAttempts: d.Cfg.Ledger.MaxAttempts,
			BaseDelay:   d.Cfg.Ledger.RetryBaseDelay,
			MaxDelay:    d.Cfg.Ledger.RetryMaxDelay,
		},
	})
	balanceSvc := balance.NewService(store, d.Logger)
	transferSvc := transfers.NewService(store, recorder, d.Logger)

	transactionHandler := transactions.NewHandler(engine)
	accountHandler := accounts.NewHandler(accountSvc)
	balanceHandler := balance.NewHandler(balanceSvc)
	transferHandler := transfers.NewHandler(transferSvc)

	// Card network entry point and read paths at the root, as networks call them.
	app.Post("/", transactionHandler.Apply)
	RegisterAccountReadRoutes(app, accountHandler, balanceHandler)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	RegisterTransactionRoutes(api, transactionHandler)
	RegisterAccountReadRoutes(api, accountHandler, balanceHandler)
	RegisterAccountAdminRoutes(api, accountHandler)
	RegisterTransferRoutes(api, transferHandler)

	return nil
}
