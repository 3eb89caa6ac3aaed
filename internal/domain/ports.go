package domain

import (
	"context"
	"time"
)

// Catalog описывает взаимодействие с внешним каталогом позиций. Движок заказов
// читает цену/статус и запрашивает смену статуса при выдаче и возврате.
type Catalog interface {
	// GetItem возвращает снимок позиции или ErrItemNotFound.
	GetItem(ctx context.Context, itemID string) (Item, error)
	// SetItemStatus запрашивает смену статуса позиции в каталоге.
	SetItemStatus(ctx context.Context, itemID string, status ItemStatus) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
