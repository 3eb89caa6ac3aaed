package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан, подтверждение шлюза не получено.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusSuccess — шлюз подтвердил платёж.
	PaymentStatusSuccess PaymentStatus = "success"
	// PaymentStatusFailed — шлюз отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusCancelled — платёж отменён до подтверждения.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentMethod — способ оплаты.
type PaymentMethod string

const (
	PaymentMethodAlipay       PaymentMethod = "alipay"
	PaymentMethodWechat       PaymentMethod = "wechat"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid сообщает, поддерживается ли способ оплаты.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodAlipay, PaymentMethodWechat, PaymentMethodBankTransfer:
		return true
	default:
		return false
	}
}

// PaymentType — назначение платежа.
type PaymentType string

const (
	// PaymentTypeRental — арендная плата; её подтверждение двигает заказ в paid.
	PaymentTypeRental PaymentType = "rental"
	// PaymentTypeDeposit — залог; возвращается при чистом возврате позиций.
	PaymentTypeDeposit PaymentType = "deposit"
	// PaymentTypeRefund — запись о возврате средств, ссылается на исходный платёж.
	PaymentTypeRefund PaymentType = "refund"
)

// Valid сообщает, поддерживается ли назначение платежа.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeRental, PaymentTypeDeposit, PaymentTypeRefund:
		return true
	default:
		return false
	}
}

// Payment описывает платёж, связанный с заказом. У заказа может быть несколько
// платежей: аренда, залог и последующие возвраты.
type Payment struct {
	ID        string
	PaymentNo string
	OrderID   string
	Amount    decimal.Decimal
	Method    PaymentMethod
	Type      PaymentType
	Status    PaymentStatus
	// ExternalTxnID — идентификатор транзакции платёжного шлюза. Ключ
	// идемпотентности callback: повтор с тем же ID не применяется второй раз.
	ExternalTxnID string
	// RefundedAmount — суммарно возвращено по этому платежу.
	RefundedAmount decimal.Decimal
	// RefundOfID заполняется у платежей типа refund ссылкой на исходный платёж.
	RefundOfID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Refundable возвращает остаток, доступный к возврату по платежу.
func (p *Payment) Refundable() decimal.Decimal {
	if p.Status != PaymentStatusSuccess {
		return decimal.Zero
	}
	return p.Amount.Sub(p.RefundedAmount)
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if !p.Amount.IsPositive() {
		errs = append(errs, ErrPaymentAmountInvalid)
	}

	return errs
}
