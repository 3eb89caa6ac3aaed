package kafka

import (
	"encoding/json"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// События жизненного цикла заказа
	EventTypeOrderStatusChanged EventType = "order.status_changed"

	// Платёжные события
	EventTypePaymentSucceeded EventType = "payment.succeeded"
	EventTypePaymentRefunded  EventType = "payment.refunded"

	// События финансового журнала
	EventTypeFinanceRecorded EventType = "finance.recorded"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "rentmarket.order.events"
	TopicDeadLetterQueue = "rentmarket.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope — конверт события из transactional outbox: тип агрегата,
// идентификатор и полезная нагрузка конкретного события.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// StatusChangedPayload — нагрузка события order.status_changed.
type StatusChangedPayload struct {
	OrderNo   string `json:"order_no"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts"`
}
