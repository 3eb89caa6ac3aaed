package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrItemNotFound возвращается, если позиция каталога недоступна для чтения.
	ErrItemNotFound = errors.New("item not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrUnauthorized — проверка роли или владения ресурсом не пройдена.
	ErrUnauthorized = errors.New("operation is not allowed for this user")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве (<1).
	ErrItemQtyInvalid = errors.New("item quantity must be at least one")
	// Ошибка, если цена позиции не положительная.
	ErrItemPriceInvalid = errors.New("item price per day must be positive")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка некорректной суммы платежа.
	ErrPaymentAmountInvalid = errors.New("payment amount must be positive")
	// Ошибка отсутствующего идентификатора заказа в платежах/записях.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrPaymentNotPending — подтверждение применимо только к pending-платежу.
	ErrPaymentNotPending = errors.New("payment is not pending")
	// ErrExternalTxnConflict — идентификатор транзакции шлюза уже привязан
	// к другому платежу.
	ErrExternalTxnConflict = errors.New("external transaction id is bound to another payment")
	// Ошибка неподдерживаемого способа оплаты.
	ErrPaymentMethodInvalid = errors.New("payment method is not supported")
	// Ошибка неподдерживаемого назначения платежа.
	ErrPaymentTypeInvalid = errors.New("payment type is not supported")
	// Ошибка отрицательной суммы финансовой записи.
	ErrRecordAmountNegative = errors.New("finance record amount must be non-negative")
	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyHashMismatch — тот же ключ пришёл с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency request hash mismatch")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// InvalidRangeError описывает некорректный диапазон дат аренды.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid rental range: start=%s end=%s (need start <= end and at least one full day)",
		e.Start.Format(DateLayout), e.End.Format(DateLayout))
}

// ItemUnavailableError возвращается при конфликте на этапе создания заказа
// или когда позиция каталога не находится в статусе available.
type ItemUnavailableError struct {
	ItemID string
	Reason string
}

func (e *ItemUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("item %s is unavailable for the requested range", e.ItemID)
	}
	return fmt.Sprintf("item %s is unavailable: %s", e.ItemID, e.Reason)
}

// ConflictError возвращается при проигрыше гонки на авторитетной пере-проверке
// доступности: слот уже занят другим блокирующим заказом.
type ConflictError struct {
	ItemID          string
	BlockingOrderID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item %s is already booked by order %s", e.ItemID, e.BlockingOrderID)
}

// IllegalStateError возвращается при недопустимом переходе статусов заказа.
type IllegalStateError struct {
	Current OrderStatus
	Event   OrderEvent
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("event %q is not allowed in order status %q", e.Event, e.Current)
}

// RefundExceedsPaidError возвращается, когда запрошенный возврат превышает
// остаток успешно оплаченной суммы по платежу.
type RefundExceedsPaidError struct {
	PaymentID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *RefundExceedsPaidError) Error() string {
	return fmt.Sprintf("refund %s exceeds refundable balance %s of payment %s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2), e.PaymentID)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
