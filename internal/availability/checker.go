// Package availability определяет предикат пересечения диапазонов дат и
// проверку занятости позиций каталога по существующим заказам.
package availability

import (
	"fmt"
	"time"

	"rentmarket/internal/domain"
)

// Overlaps сообщает, пересекаются ли два закрытых диапазона дат:
// aStart <= bEnd && aEnd >= bStart.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !aEnd.Before(bStart)
}

// Checker проверяет занятость позиций по блокирующим заказам.
// Проверка advisory: авторитетной её делает только транзакционная
// пере-проверка внутри SaveWithConflictCheck.
type Checker struct {
	orders domain.OrderRepository
}

// NewChecker создаёт Checker поверх репозитория заказов.
func NewChecker(orders domain.OrderRepository) *Checker {
	return &Checker{orders: orders}
}

// HasConflict сообщает, занята ли позиция в диапазоне [start, end].
// excludeOrderID исключает собственный заказ при пере-проверках.
func (c *Checker) HasConflict(itemID string, start, end time.Time, excludeOrderID string) (bool, error) {
	blocking, err := c.orders.FindBlocking(itemID, start, end, excludeOrderID)
	if err != nil {
		return false, fmt.Errorf("find blocking orders for item %s: %w", itemID, err)
	}
	return len(blocking) > 0, nil
}

// CheckItems проверяет каждую позицию независимо и падает на первом конфликте,
// называя конфликтующую позицию и удерживающий её заказ.
func (c *Checker) CheckItems(items []domain.OrderItem, start, end time.Time, excludeOrderID string) error {
	for _, item := range items {
		blocking, err := c.orders.FindBlocking(item.ItemID, start, end, excludeOrderID)
		if err != nil {
			return fmt.Errorf("find blocking orders for item %s: %w", item.ItemID, err)
		}
		if len(blocking) > 0 {
			return &domain.ConflictError{ItemID: item.ItemID, BlockingOrderID: blocking[0].ID}
		}
	}
	return nil
}
