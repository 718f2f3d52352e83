package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/api"
	"github.com/example/ec-order-placement/internal/command"
	"github.com/example/ec-order-placement/internal/config"
	"github.com/example/ec-order-placement/internal/dispatch"
	"github.com/example/ec-order-placement/internal/infrastructure/cache"
	"github.com/example/ec-order-placement/internal/infrastructure/kafka"
	"github.com/example/ec-order-placement/internal/infrastructure/rabbitmq"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/obs"
	"github.com/example/ec-order-placement/internal/query"
)

const requestTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[API] %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[API] %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger.Named("api")); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, "order-api", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting",
		zap.String("protocol", string(cfg.Protocol)),
		zap.String("broker", cfg.Broker),
		zap.Bool("cache", cfg.CacheEnabled()))

	// Initialize PostgreSQL connection
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

	opts := store.Options{LockTimeout: cfg.LockTimeout, MaxRetries: cfg.DBMaxRetries, Logger: logger}
	pgStore := store.NewPostgresStore(db, opts)
	ledger, err := store.NewPostgresLedger(db, cfg.Protocol, opts)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()
	dispatcher := dispatch.New(publisher, cfg.DispatchMaxRetries, logger)

	// Optional product cache
	var (
		invalidator command.Invalidator
		loader      query.ProductLoader
	)
	if cfg.CacheEnabled() {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		productCache := cache.NewProductCache(rdb, cfg.CacheTTL, logger)
		invalidator, loader = productCache, productCache
	}

	cmdHandler := command.NewHandler(ledger, cfg.Protocol, pgStore, dispatcher, invalidator, logger)
	queryHandler := query.NewHandler(pgStore, pgStore, loader, logger)
	handlers := api.NewHandlers(cmdHandler, queryHandler, db, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handlers, logger, requestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (dispatch.Publisher, func(), error) {
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		conn, ch, err := rabbitmq.SetupConn(cfg.AMQPURL, cfg.AMQPQueue, 1, logger)
		if err != nil {
			return nil, nil, err
		}
		return rabbitmq.NewPublisher(ch, cfg.AMQPQueue), func() {
			ch.Close()
			conn.Close()
		}, nil
	default:
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		return producer, func() { producer.Close() }, nil
	}
}
