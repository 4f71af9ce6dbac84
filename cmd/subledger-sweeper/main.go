// Command subledger-sweeper prunes expired usage records and processed
// billing events on a cron schedule.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/subledger/subledger/pkg/config"
	"github.com/subledger/subledger/pkg/reconcile"
	"github.com/subledger/subledger/pkg/storage"
	"github.com/subledger/subledger/pkg/usage"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx := context.Background()
	db, err := storage.NewDB(ctx, cfg.Postgres)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	ledger := usage.NewPostgresLedger(db)
	audit := reconcile.NewPostgresAuditStore(db)

	sweep := func() {
		sweepOnce(ctx, log, ledger, audit, cfg.Retention)
	}

	if *once {
		sweep()
		return
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Retention.Schedule, sweep); err != nil {
		log.WithError(err).WithField("schedule", cfg.Retention.Schedule).
			Fatal("invalid sweep schedule")
	}
	scheduler.Start()
	log.WithField("schedule", cfg.Retention.Schedule).Info("sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutting down")

	<-scheduler.Stop().Done()
}

func sweepOnce(ctx context.Context, log *logrus.Logger, ledger usage.Ledger, audit reconcile.AuditStore, retention config.RetentionConfig) {
	start := time.Now()

	usageCutoff := start.Add(-retention.UsageRecords)
	pruned, err := ledger.PruneBefore(ctx, usageCutoff)
	if err != nil {
		log.WithError(err).Error("failed to prune usage records")
	} else {
		log.WithFields(logrus.Fields{
			"pruned": pruned,
			"cutoff": usageCutoff.Format(time.RFC3339),
		}).Info("usage records pruned")
	}

	eventCutoff := start.Add(-retention.BillingEvents)
	pruned, err = audit.PruneBefore(ctx, eventCutoff)
	if err != nil {
		log.WithError(err).Error("failed to prune billing events")
	} else {
		log.WithFields(logrus.Fields{
			"pruned": pruned,
			"cutoff": eventCutoff.Format(time.RFC3339),
		}).Info("billing events pruned")
	}

	log.WithField("duration", time.Since(start).String()).Info("sweep complete")
}
