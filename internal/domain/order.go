package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout — формат дат аренды во внешних интерфейсах.
const DateLayout = "2006-01-02"

// OrderStatus описывает жизненный цикл арендного заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, слот удерживается мягко и ждёт аудита.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — аудит пройден, диапазон дат закреплён за заказом.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPaid — арендная плата подтверждена платёжным шлюзом.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusInUse — арендатор получил позиции, аренда активна.
	OrderStatusInUse OrderStatus = "in_use"
	// OrderStatusReturned — позиции возвращены, заказ завершён.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusCancelled — заказ отменён до начала использования.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderEvent — событие state machine заказа.
type OrderEvent string

const (
	// EventApprove — аудитор одобрил заказ.
	EventApprove OrderEvent = "approve"
	// EventReject — аудитор отклонил заказ.
	EventReject OrderEvent = "reject"
	// EventCancel — отмена арендатором или администратором.
	EventCancel OrderEvent = "cancel"
	// EventPay — оплата подтверждена платёжным шлюзом.
	EventPay OrderEvent = "pay"
	// EventStartUse — позиции выданы арендатору.
	EventStartUse OrderEvent = "start_use"
	// EventReturn — позиции возвращены.
	EventReturn OrderEvent = "return"
)

// transitions задаёт допустимые переходы: статус → событие → новый статус.
// Побочные эффекты переходов живут в сервисе-агрегате, таблица только о легальности.
var transitions = map[OrderStatus]map[OrderEvent]OrderStatus{
	OrderStatusPending: {
		EventApprove: OrderStatusConfirmed,
		EventReject:  OrderStatusCancelled,
		EventCancel:  OrderStatusCancelled,
	},
	OrderStatusConfirmed: {
		EventPay:    OrderStatusPaid,
		EventCancel: OrderStatusCancelled,
		EventReject: OrderStatusCancelled,
	},
	OrderStatusPaid: {
		EventStartUse: OrderStatusInUse,
		EventReject:   OrderStatusCancelled,
	},
	OrderStatusInUse: {
		EventReturn: OrderStatusReturned,
	},
}

// BlockingStatuses — статусы, в которых заказ удерживает диапазон дат по позициям.
// PENDING намеренно не блокирует: это мягкий hold, разрешаемый на аудите.
var BlockingStatuses = []OrderStatus{OrderStatusConfirmed, OrderStatusPaid, OrderStatusInUse}

// IsBlocking сообщает, удерживает ли статус диапазон дат.
func (s OrderStatus) IsBlocking() bool {
	for _, blocking := range BlockingStatuses {
		if s == blocking {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, достиг ли заказ конечного статуса.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusReturned || s == OrderStatusCancelled
}

// OrderItem представляет одну позицию арендного заказа.
type OrderItem struct {
	ID      string
	OrderID string
	// ItemID — внешний идентификатор позиции каталога.
	ItemID string
	// Quantity — количество арендуемых единиц.
	Quantity int32
	// PricePerDay — снимок цены на момент бронирования; последующие изменения
	// каталога на заказ не влияют.
	PricePerDay decimal.Decimal
	// TotalAmount = PricePerDay * Quantity * days.
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
}

// Order агрегирует состояние арендного заказа и его позиции.
type Order struct {
	ID      string
	OrderNo string
	UserID  string
	Status  OrderStatus
	// StartDate и EndDate — границы аренды (UTC, полночь). Диапазон для проверки
	// конфликтов закрытый с обеих сторон, длительность считается как EndDate-StartDate.
	StartDate        time.Time
	EndDate          time.Time
	TotalAmount      decimal.Decimal
	DepositAmount    decimal.Decimal
	ActualReturnDate *time.Time
	Remark           string
	Items            []OrderItem
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Next возвращает статус после применения события или IllegalStateError.
func (o *Order) Next(event OrderEvent) (OrderStatus, error) {
	if allowed, ok := transitions[o.Status]; ok {
		if next, ok := allowed[event]; ok {
			return next, nil
		}
	}
	return "", &IllegalStateError{Current: o.Status, Event: event}
}

// Apply применяет событие к заказу, обновляя статус и UpdatedAt.
func (o *Order) Apply(event OrderEvent, now time.Time) error {
	next, err := o.Next(event)
	if err != nil {
		return err
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.EndDate.Before(o.StartDate) {
		errs = append(errs, &InvalidRangeError{Start: o.StartDate, End: o.EndDate})
	}

	// Сверяем сумму заказа с суммой позиций.
	calc := decimal.Zero
	for _, item := range o.Items {
		if item.Quantity < 1 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if !item.PricePerDay.IsPositive() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc = calc.Add(item.TotalAmount)
	}
	if !calc.Equal(o.TotalAmount) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
