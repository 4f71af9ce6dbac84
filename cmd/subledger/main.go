// Command subledger runs the subscription billing and usage metering
// service.
package main

import (
	"context"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/subledger/subledger/pkg/api"
	"github.com/subledger/subledger/pkg/billing"
	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/config"
	"github.com/subledger/subledger/pkg/invoices"
	"github.com/subledger/subledger/pkg/notify"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/payments"
	"github.com/subledger/subledger/pkg/proration"
	"github.com/subledger/subledger/pkg/reconcile"
	"github.com/subledger/subledger/pkg/storage"
	"github.com/subledger/subledger/pkg/subscription"
	"github.com/subledger/subledger/pkg/usage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	db, err := storage.NewDB(ctx, cfg.Postgres)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		logger.WithError(err).Error("failed to apply schema")
		os.Exit(1)
	}

	redisClient, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}

	cat := catalog.Default()
	subs := subscription.NewPostgresStore(db, cat)
	ledger := usage.NewPostgresLedger(db)
	invoiceStore := invoices.NewPostgresStore(db)
	notifyStore := notify.NewPostgresStore(db)
	auditStore := reconcile.NewPostgresAuditStore(db)

	var counter usage.Counter
	if redisClient != nil {
		counter = usage.NewRedisCounter(redisClient, "usage")
	} else {
		logger.Warn("redis disabled, burst counters are per-process")
		counter = usage.NewMemoryCounter()
	}

	enforcer := usage.NewEnforcer(subs, ledger, cat, counter, logger, metrics)
	calculator := proration.NewCalculator(cat)

	processor, err := payments.NewStripeClient(cfg.Stripe.APIKey,
		payments.NewPriceResolver(cfg.Stripe.Prices), cfg.Stripe.Timeout)
	if err != nil {
		logger.WithError(err).Error("failed to create processor client")
		os.Exit(1)
	}

	// The reconciler feeds the client's customer cache from checkout
	// confirmations
	reconciler := reconcile.NewReconciler(subs, invoiceStore, notifyStore, auditStore,
		processor, logger, metrics)

	engine := billing.NewEngine(subs, enforcer, calculator, processor,
		invoiceStore, reconciler, cat, cfg.Stripe.WebhookSecret, logger, metrics)

	handlers := api.NewBillingHandlers(engine, logger)
	health := observability.NewHealthChecker(db, redisClient)
	router := api.NewRouter(handlers, health, metrics, logger)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("subledger listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	err = observability.WaitForShutdown(logger, server, cfg.Server.ShutdownTimeout,
		func(context.Context) error { return db.Close() },
		func(context.Context) error {
			if redisClient != nil {
				return redisClient.Close()
			}
			return nil
		},
	)
	if err != nil {
		os.Exit(1)
	}
}
