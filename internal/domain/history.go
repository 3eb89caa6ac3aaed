package domain

import "time"

// HistoryEvent — запись аудиторского следа заказа: каждый переход статуса
// фиксируется с актором и причиной. След append-only и переживает терминальные
// статусы заказа.
type HistoryEvent struct {
	OrderID   string
	Type      string
	OldStatus OrderStatus
	NewStatus OrderStatus
	Actor     string
	Reason    string
	Occurred  time.Time
}
