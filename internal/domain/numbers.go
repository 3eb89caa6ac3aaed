package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Внешние номера заказов/платежей/записей — непрозрачные уникальные строки:
// префикс + timestamp + случайный суффикс. Контракт только уникальность.
const (
	orderNoPrefix   = "RO"
	paymentNoPrefix = "PM"
	recordNoPrefix  = "FR"
)

// NewOrderNo генерирует внешний номер заказа.
func NewOrderNo(now time.Time) string {
	return newNumber(orderNoPrefix, now)
}

// NewPaymentNo генерирует внешний номер платежа.
func NewPaymentNo(now time.Time) string {
	return newNumber(paymentNoPrefix, now)
}

// NewRecordNo генерирует внешний номер финансовой записи.
func NewRecordNo(now time.Time) string {
	return newNumber(recordNoPrefix, now)
}

func newNumber(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + now.UTC().Format("20060102150405") + strings.ToUpper(suffix)
}
