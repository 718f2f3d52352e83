package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/config"
	"github.com/example/ec-order-placement/internal/dispatch"
	"github.com/example/ec-order-placement/internal/email"
	"github.com/example/ec-order-placement/internal/infrastructure/kafka"
	"github.com/example/ec-order-placement/internal/infrastructure/rabbitmq"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/notification"
	"github.com/example/ec-order-placement/internal/obs"
	"github.com/example/ec-order-placement/internal/tracker"
	"github.com/example/ec-order-placement/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[Worker] %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[Worker] %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger.Named("worker")); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, "order-worker", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
	}

	pgStore := store.NewPostgresStore(db, store.Options{
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.DBMaxRetries,
		Logger:      logger,
	})
	tr := tracker.New(pgStore, logger)

	var mailer notification.Mailer
	if cfg.EmailEnabled() {
		mailer = email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
		logger.Info("notifications by e-mail", zap.String("smtp", cfg.SMTPHost+":"+cfg.SMTPPort))
	}
	notifier := notification.NewNotifier(mailer, cfg.NotifyTo, cfg.FulfillmentDelay, logger)
	w := worker.New(pgStore, tr, notifier, cfg.WorkerMaxAttempts, logger)

	publisher, consume, closeBroker, err := setupBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	redriver := dispatch.NewRedriver(pgStore, tr, dispatch.New(publisher, cfg.DispatchMaxRetries, logger), dispatch.RedriveConfig{
		Interval:        cfg.RedriveInterval,
		PendingAfter:    cfg.RedrivePendingAfter,
		ProcessingAfter: cfg.RedriveProcessingAfter,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := redriver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("redriver stopped", zap.Error(err))
		}
	}()

	logger.Info("consuming", zap.String("broker", cfg.Broker))
	err = consume(ctx, w.HandleMessage)
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

type consumeFunc func(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error

func setupBroker(cfg *config.Config, logger *zap.Logger) (dispatch.Publisher, consumeFunc, func(), error) {
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		conn, ch, err := rabbitmq.SetupConn(cfg.AMQPURL, cfg.AMQPQueue, 1, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		consumer := rabbitmq.NewConsumer(ch, cfg.AMQPQueue, int32(cfg.WorkerMaxAttempts), logger)
		consume := func(ctx context.Context, h func(ctx context.Context, key, value []byte) error) error {
			return consumer.Consume(ctx, h)
		}
		return rabbitmq.NewPublisher(ch, cfg.AMQPQueue), consume, func() {
			ch.Close()
			conn.Close()
		}, nil
	default:
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup,
			kafka.WithMaxAttempts(cfg.WorkerMaxAttempts),
			kafka.WithLogger(logger))
		consume := func(ctx context.Context, h func(ctx context.Context, key, value []byte) error) error {
			return consumer.Consume(ctx, h)
		}
		return producer, consume, func() {
			consumer.Close()
			producer.Close()
		}, nil
	}
}
