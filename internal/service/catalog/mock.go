// Package catalog содержит заглушку внешнего каталога позиций. Каталогом
// владеет отдельный сервис; здесь только конфигурируемая реализация порта
// для тестов и dev-режима.
package catalog

import (
	"context"
	"sync"

	"rentmarket/internal/domain"
)

// Mock — конфигурируемая заглушка Catalog.
type Mock struct {
	mu    sync.RWMutex
	items map[string]domain.Item

	GetErr error
	SetErr error

	GetCalls int
	SetCalls int
}

// NewMock возвращает заглушку, заполненную переданными позициями.
func NewMock(items ...domain.Item) *Mock {
	m := &Mock{items: make(map[string]domain.Item, len(items))}
	for _, item := range items {
		m.items[item.ID] = item
	}
	return m
}

// GetItem возвращает снимок позиции или ErrItemNotFound.
func (m *Mock) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	m.mu.Lock()
	m.GetCalls++
	m.mu.Unlock()

	if m.GetErr != nil {
		return domain.Item{}, m.GetErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return item, nil
}

// SetItemStatus обновляет статус позиции и считает вызовы.
func (m *Mock) SetItemStatus(ctx context.Context, itemID string, status domain.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetCalls++
	if m.SetErr != nil {
		return m.SetErr
	}

	item, ok := m.items[itemID]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.Status = status
	m.items[itemID] = item
	return nil
}

// Status возвращает текущий статус позиции (для проверок в тестах).
func (m *Mock) Status(itemID string) domain.ItemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[itemID].Status
}

var _ domain.Catalog = (*Mock)(nil)
