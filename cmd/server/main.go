package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/api"
	"github.com/notifyhub/mailpipe/internal/channel"
	"github.com/notifyhub/mailpipe/internal/channel/rabbitmq"
	"github.com/notifyhub/mailpipe/internal/config"
	"github.com/notifyhub/mailpipe/internal/db"
	"github.com/notifyhub/mailpipe/internal/metrics"
	"github.com/notifyhub/mailpipe/internal/ratelimiter"
	"github.com/notifyhub/mailpipe/internal/relay"
	"github.com/notifyhub/mailpipe/internal/repository"
	"github.com/notifyhub/mailpipe/internal/service"
	"github.com/notifyhub/mailpipe/internal/worker"
)

// broker is a message channel the process owns and must close on exit.
type broker interface {
	channel.MessageChannel
	Close() error
}

func main() {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("invalid LOG_LEVEL", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, "migrations"); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- message channel ----
	ch, err := openBroker(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open message channel", zap.Error(err))
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	deadLetters := repository.NewPgDeadLetterRepository(pool)
	ledger := repository.NewPgDeliveryLedger(pool)

	smtp := relay.NewSMTPClient(relay.Config{
		Host:       cfg.Relay.Host,
		Port:       cfg.Relay.Port,
		Username:   cfg.Relay.Username,
		Password:   cfg.Relay.Password,
		From:       cfg.Relay.From,
		Encryption: cfg.Relay.Encryption,
		Timeout:    cfg.Relay.Timeout,
	}, logger)
	limiter := ratelimiter.New(cfg.Relay.RatePerSec, cfg.Relay.Burst)

	publisher := service.NewNotificationPublisher(ch, logger, m.PublisherHooks())
	dlSvc := service.NewDeadLetterService(deadLetters, publisher, logger)

	// ---- consumer + scheduler ----
	policy := worker.RetryPolicy{
		MaxRetries: cfg.Delivery.MaxRetries,
		BaseDelay:  cfg.Delivery.BaseDelay,
		Multiplier: cfg.Delivery.Multiplier,
		MaxDelay:   cfg.Delivery.MaxDelay,
	}
	consumer := worker.NewNotificationConsumer(
		ch, smtp, deadLetters, ledger, limiter, policy,
		cfg.Delivery.SendTimeout, logger, m.ConsumerHooks(),
	)

	scheduler, err := worker.NewDeliveryScheduler(consumer, cfg.Delivery.Schedule, logger)
	if err != nil {
		logger.Fatal("failed to create delivery scheduler", zap.Error(err))
	}
	scheduler.Start()

	// ---- HTTP server ----
	router := api.NewRouter(dlSvc, consumer, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. No more ticks, so nothing resubscribes behind our back.
	if err := scheduler.Shutdown(); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}

	// 3. Let in-flight deliveries settle.
	if err := consumer.Close(shutdownCtx); err != nil {
		logger.Error("consumer shutdown error", zap.Error(err))
	}

	// 4. Unsettled messages go back to the broker when the connection closes.
	if err := ch.Close(); err != nil {
		logger.Error("broker close error", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

func openBroker(cfg *config.Config, logger *zap.Logger) (broker, error) {
	if cfg.Broker.Driver == config.DriverMemory {
		logger.Warn("using in-memory message channel; messages do not survive a restart")
		return channel.NewMemory(cfg.Broker.Queue,
			channel.WithCapacity(cfg.Broker.MemoryCapacity),
			channel.WithWorkers(cfg.Broker.Prefetch),
		), nil
	}
	b, err := rabbitmq.Dial(rabbitmq.Options{
		URL:            cfg.Broker.URL(),
		Queue:          cfg.Broker.Queue,
		Prefetch:       cfg.Broker.Prefetch,
		DialTimeout:    cfg.Broker.DialTimeout,
		Heartbeat:      cfg.Broker.Heartbeat,
		PublishTimeout: cfg.Broker.PublishTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}
