package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/config"
	"github.com/example/ec-order-placement/internal/email"
	"github.com/example/ec-order-placement/internal/infrastructure/lambdaevent"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/notification"
	"github.com/example/ec-order-placement/internal/obs"
	"github.com/example/ec-order-placement/internal/tracker"
	"github.com/example/ec-order-placement/internal/worker"
)

var (
	orderWorker *worker.Worker
	logger      *zap.Logger
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Lambda Worker] %v", err)
	}
	logger, err = obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("[Lambda Worker] %v", err)
	}
	logger = logger.Named("lambda-worker")

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}

	pgStore := store.NewPostgresStore(db, store.Options{
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.DBMaxRetries,
		Logger:      logger,
	})
	var mailer notification.Mailer
	if cfg.EmailEnabled() {
		mailer = email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	}
	notifier := notification.NewNotifier(mailer, cfg.NotifyTo, cfg.FulfillmentDelay, logger)
	orderWorker = worker.New(pgStore, tracker.New(pgStore, logger), notifier, cfg.WorkerMaxAttempts, logger)

	logger.Info("initialized", zap.Bool("email", cfg.EmailEnabled()))
}

// handler fails the whole batch if any record fails so the event source
// mapping redelivers it. Records already handled come back as duplicates.
func handler(ctx context.Context, event events.KafkaEvent) error {
	records, decodeErrs := lambdaevent.BatchConvertFromKafkaEvent(event)
	for _, err := range decodeErrs {
		// A record that cannot be decoded will never succeed; the redriver
		// picks up its order.
		logger.Error("dropping undecodable record", zap.Error(err))
	}

	var failed []error
	for _, r := range records {
		if err := orderWorker.HandleMessage(ctx, r.Key, r.Value); err != nil {
			logger.Error("record failed", zap.String("record", r.ID()), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", r.ID(), err))
		}
	}

	logger.Info("batch processed",
		zap.Int("records", len(records)),
		zap.Int("failed", len(failed)),
		zap.Int("undecodable", len(decodeErrs)))
	return errors.Join(failed...)
}

func main() {
	defer logger.Sync()
	lambda.Start(handler)
}
