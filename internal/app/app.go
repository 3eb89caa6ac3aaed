package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/availability"
	healthcheck "rentmarket/internal/health"
	"rentmarket/internal/messaging/kafka"
	idemworker "rentmarket/internal/service/idempotency"
	"rentmarket/internal/service/order"
	"rentmarket/internal/service/outbox"
	"rentmarket/internal/service/payment"
	httpapi "rentmarket/internal/transport/http"
	"rentmarket/internal/version"
)

// Config описывает настройки запуска приложения.
type Config struct {
	RunAddr        string
	MetricsAddr    string
	DatabaseURI    string
	KafkaBrokers   string
	KafkaGroup     string
	JWTSecret      string
	CallbackSecret string
	DepositRate    decimal.Decimal

	OutboxPollInterval         time.Duration
	OutboxBatchSize            int
	IdempotencyCleanupInterval time.Duration
}

// DefaultConfig возвращает базовые настройки для dev-режима.
func DefaultConfig() Config {
	return Config{
		RunAddr:                    ":8080",
		MetricsAddr:                ":9090",
		DepositRate:                decimal.NewFromFloat(0.2),
		OutboxPollInterval:         2 * time.Second,
		OutboxBatchSize:            100,
		IdempotencyCleanupInterval: time.Hour,
	}
}

// Run собирает зависимости и запускает HTTP API, сервер метрик и фоновые
// воркеры; блокируется до отмены контекста или фатальной ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg.DatabaseURI, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(kafkaProducer, logger)

	paymentSvc := payment.NewService(
		deps.Orders, deps.Payments, deps.Finance, deps.History, deps.Outbox,
		logger.WithField("layer", "payment"),
	)
	orderSvc := order.NewService(
		deps.Orders, deps.History, deps.Outbox, deps.Catalog,
		availability.NewChecker(deps.Orders), paymentSvc,
		order.Config{DepositRate: cfg.DepositRate},
		logger.WithField("layer", "order"),
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup

	if kafkaProducer != nil {
		publisher := kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicOrderEvents)
		dlqPublisher := kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)
		outboxWorker := outbox.NewWorker(deps.Outbox, publisher,
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQPublisher(dlqPublisher),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			outboxWorker.Run(workerCtx)
		}()
	} else {
		logger.Info("kafka is not configured, outbox worker is disabled")
	}

	eventMonitor, err := initEventMonitor(cfg, kafkaProducer, logger)
	if err != nil {
		logger.WithError(err).Warn("event monitor is disabled")
	} else if eventMonitor != nil {
		if err := eventMonitor.Start(workerCtx); err != nil {
			logger.WithError(err).Warn("event monitor failed to start")
		} else {
			defer stopEventMonitor(eventMonitor, logger)
		}
	}

	cleanupWorker := idemworker.NewCleanupWorker(deps.Idempotency,
		idemworker.WithLogger(logger.WithField("layer", "idempotency")),
		idemworker.WithInterval(cfg.IdempotencyCleanupInterval),
	)
	workers.Add(1)
	go func() {
		defer workers.Done()
		cleanupWorker.Run(workerCtx)
	}()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.Store != nil {
		store := deps.Store
		healthHandler.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		}))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	apiServer := httpapi.NewServer(
		orderSvc, paymentSvc, deps.Idempotency,
		httpapi.NewAuthenticator(cfg.JWTSecret),
		cfg.CallbackSecret,
		logger.WithField("layer", "http"),
	)
	srv := &http.Server{Addr: cfg.RunAddr, Handler: apiServer.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.RunAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP сервер")
		shutdownHTTP(srv, logger)
		shutdownHTTP(metricsSrv, logger)
		stopWorkers()
		workers.Wait()
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		stopWorkers()
		workers.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
