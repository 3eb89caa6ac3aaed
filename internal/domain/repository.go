package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с позициями. Возвращает ошибку,
	// если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// GetByNo возвращает заказ по внешнему номеру.
	GetByNo(orderNo string) (Order, error)
	// ListByUser возвращает заказы пользователя с опциональным ограничением на количество.
	ListByUser(userID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
	// FindBlocking возвращает заказы в блокирующих статусах, чей закрытый
	// диапазон дат пересекает [start, end] по позиции itemID. excludeOrderID
	// позволяет пере-проверкам не учитывать сам заказ.
	FindBlocking(itemID string, start, end time.Time, excludeOrderID string) ([]Order, error)
	// SaveWithConflictCheck атомарно пере-проверяет конфликты по каждой позиции
	// заказа и сохраняет его. Проигравший гонку получает *ConflictError,
	// состояние не меняется.
	SaveWithConflictCheck(order Order) error
}

// PaymentRepository описывает требования к хранилищу платежей.
type PaymentRepository interface {
	Create(payment Payment) error
	Get(id string) (Payment, error)
	GetByNo(paymentNo string) (Payment, error)
	// GetByExternalTxnID ищет платёж по идентификатору транзакции шлюза.
	GetByExternalTxnID(txnID string) (Payment, error)
	ListByOrder(orderID string) ([]Payment, error)
	Save(payment Payment) error
	// ConfirmSuccess атомарно переводит pending-платёж в success, фиксируя
	// externalTxnID. Возвращает платёж и признак того, что переход применён
	// именно сейчас (false — повтор callback, состояние не менялось).
	ConfirmSuccess(paymentNo, externalTxnID string) (Payment, bool, error)
	// AddRefund атомарно увеличивает RefundedAmount платежа. Возвращает
	// *RefundExceedsPaidError, если остаток к возврату меньше amount.
	AddRefund(paymentID string, amount decimal.Decimal) (Payment, error)
	// ListStalePending возвращает pending-платежи, созданные раньше before.
	ListStalePending(before time.Time) ([]Payment, error)
}

// FinanceRepository — append-only журнал финансовых записей.
type FinanceRepository interface {
	Create(record FinanceRecord) error
	ListByOrder(orderID string) ([]FinanceRecord, error)
	List(limit int) ([]FinanceRecord, error)
}

// HistoryRepository хранит аудиторский след переходов заказа.
type HistoryRepository interface {
	Append(event HistoryEvent) error
	List(orderID string) ([]HistoryEvent, error)
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}
