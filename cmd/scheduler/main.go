package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"github.com/occasionalert/occasion-alerts/internal/database"
	"github.com/occasionalert/occasion-alerts/internal/email"
	"github.com/occasionalert/occasion-alerts/internal/ledger"
	"github.com/occasionalert/occasion-alerts/internal/llm"
	"github.com/occasionalert/occasion-alerts/internal/occasion"
	"github.com/occasionalert/occasion-alerts/internal/scheduler"
	"github.com/occasionalert/occasion-alerts/internal/store"
	"github.com/occasionalert/occasion-alerts/pkg/config"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	db, err := database.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logrus.WithError(err).Fatal("Failed to run database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create store")
	}

	ledgerService := ledger.NewService(st)
	occasionService := occasion.NewService(st, ledgerService)

	emailService, err := email.NewService(st, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create email service")
	}

	llmService, err := llm.NewService(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create LLM service")
	}

	sweeper := scheduler.NewSweeper(st, occasionService, llmService, emailService, cfg.ClaimLease)

	jobs := gocron.NewScheduler(time.UTC)

	// Sweep for due occasions
	jobs.Every(cfg.SweepInterval).Do(func() {
		if err := sweeper.RunOnce(context.Background()); err != nil {
			logrus.WithError(err).Error("Sweep tick failed")
		}
	})

	// Reclaim claims abandoned by a crashed sweep
	jobs.Every(10).Minutes().Do(func() {
		if err := sweeper.ReclaimStale(context.Background()); err != nil {
			logrus.WithError(err).Error("Failed to reclaim stale claims")
		}
	})

	// Drain the email outbox
	jobs.Every(cfg.OutboxInterval).Do(func() {
		if err := emailService.ProcessOutbox(context.Background()); err != nil {
			logrus.WithError(err).Error("Failed to process email outbox")
		}
	})

	jobs.StartAsync()
	logrus.Info("Scheduler started")

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logrus.Info("Shutting down scheduler...")
	jobs.Stop()
}
