package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/domain"
	"rentmarket/internal/service/catalog"
	"rentmarket/internal/storage/memory"
	"rentmarket/internal/storage/postgres"
)

// Dependencies содержит хранилища и порты приложения.
type Dependencies struct {
	Orders      domain.OrderRepository
	Payments    domain.PaymentRepository
	Finance     domain.FinanceRepository
	History     domain.HistoryRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository
	Catalog     domain.Catalog
	// Store не nil только в postgres-режиме; используется для health-check и Close.
	Store  *postgres.Store
	Logger *log.Entry
}

// NewDependencies выбирает хранилище по DSN: postgres с авто-миграциями либо
// in-memory для dev-режима и тестов.
// NOTE: каталог подключён заглушкой; в production её заменяет клиент внешнего
// сервиса каталога.
func NewDependencies(ctx context.Context, databaseURI string, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{
		Catalog: catalog.NewMock(demoItems()...),
		Logger:  logger,
	}

	if databaseURI == "" {
		logger.Info("database URI is empty, using in-memory storage")
		deps.Orders = memory.NewOrderRepository()
		deps.Payments = memory.NewPaymentRepository()
		deps.Finance = memory.NewFinanceRepository()
		deps.History = memory.NewHistoryRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Idempotency = memory.NewIdempotencyRepository()
		return deps, nil
	}

	store, err := postgres.Open(ctx, databaseURI)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.MigrateUp(ctx, 0); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("postgres storage initialized")
	deps.Store = store
	deps.Orders = postgres.NewOrderRepository(store)
	deps.Payments = postgres.NewPaymentRepository(store)
	deps.Finance = postgres.NewFinanceRepository(store)
	deps.History = postgres.NewHistoryRepository(store)
	deps.Outbox = postgres.NewOutboxRepository(store)
	deps.Idempotency = postgres.NewIdempotencyRepository(store)
	return deps, nil
}

// Close освобождает ресурсы хранилища.
func (d *Dependencies) Close() error {
	if d.Store == nil {
		return nil
	}
	return d.Store.Close()
}

// demoItems — позиции каталога для dev-режима.
func demoItems() []domain.Item {
	return []domain.Item{
		{ID: "item-camera", Name: "mirrorless camera", PricePerDay: decimal.NewFromInt(150), Status: domain.ItemStatusAvailable},
		{ID: "item-tripod", Name: "carbon tripod", PricePerDay: decimal.NewFromInt(20), Status: domain.ItemStatusAvailable},
		{ID: "item-lens", Name: "telephoto lens", PricePerDay: decimal.NewFromInt(80), Status: domain.ItemStatusAvailable},
	}
}
