package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FinanceType — направление движения средств в журнале.
type FinanceType string

const (
	// FinanceTypeIncome — поступление (арендная плата, залог).
	FinanceTypeIncome FinanceType = "income"
	// FinanceTypeExpense — расход (например, компенсация ущерба).
	FinanceTypeExpense FinanceType = "expense"
	// FinanceTypeRefund — возврат средств клиенту.
	FinanceTypeRefund FinanceType = "refund"
)

// FinanceRecord — запись финансового журнала. Журнал append-only: записи
// никогда не изменяются и не удаляются после создания.
type FinanceRecord struct {
	ID       string
	RecordNo string
	// OrderID и PaymentID опциональны: запись может относиться к заказу,
	// к конкретному платежу или к обоим.
	OrderID     string
	PaymentID   string
	Type        FinanceType
	Category    string
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// Validate проверяет корректность записи перед добавлением в журнал.
func (r *FinanceRecord) Validate() []error {
	var errs []error

	if r.Amount.IsNegative() {
		errs = append(errs, ErrRecordAmountNegative)
	}

	return errs
}
