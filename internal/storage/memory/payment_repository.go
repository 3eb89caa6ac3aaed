package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rentmarket/internal/domain"
)

// paymentRepositoryInMemory — in-memory реализация PaymentRepository.
type paymentRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Payment
}

// NewPaymentRepository возвращает in-memory репозиторий платежей.
func NewPaymentRepository() domain.PaymentRepository {
	return &paymentRepositoryInMemory{
		items: make(map[string]domain.Payment),
	}
}

// Create сохраняет новый платёж, если ID ещё не занят.
func (r *paymentRepositoryInMemory) Create(payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[payment.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	r.items[payment.ID] = payment
	return nil
}

// Get возвращает платёж или ErrPaymentNotFound.
func (r *paymentRepositoryInMemory) Get(id string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment, nil
}

// GetByNo возвращает платёж по внешнему номеру.
func (r *paymentRepositoryInMemory) GetByNo(paymentNo string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, payment := range r.items {
		if payment.PaymentNo == paymentNo {
			return payment, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

// GetByExternalTxnID ищет платёж по идентификатору транзакции шлюза.
func (r *paymentRepositoryInMemory) GetByExternalTxnID(txnID string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, payment := range r.items {
		if payment.ExternalTxnID != "" && payment.ExternalTxnID == txnID {
			return payment, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

// ListByOrder возвращает платежи заказа в порядке создания.
func (r *paymentRepositoryInMemory) ListByOrder(orderID string) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, payment := range r.items {
		if payment.OrderID == orderID {
			result = append(result, payment)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Save перезаписывает платёж.
func (r *paymentRepositoryInMemory) Save(payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[payment.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	payment.UpdatedAt = time.Now().UTC()
	r.items[payment.ID] = payment
	return nil
}

// ConfirmSuccess атомарно переводит pending-платёж в success. Повтор callback
// с тем же externalTxnID возвращает сохранённый платёж и applied=false.
func (r *paymentRepositoryInMemory) ConfirmSuccess(paymentNo, externalTxnID string) (domain.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, payment := range r.items {
		if payment.PaymentNo != paymentNo {
			continue
		}

		if payment.Status == domain.PaymentStatusSuccess {
			// Повтор callback: переход уже применён.
			return payment, false, nil
		}
		if payment.Status != domain.PaymentStatusPending {
			return payment, false, domain.ErrPaymentNotPending
		}

		payment.Status = domain.PaymentStatusSuccess
		payment.ExternalTxnID = externalTxnID
		payment.UpdatedAt = time.Now().UTC()
		r.items[id] = payment
		return payment, true, nil
	}

	return domain.Payment{}, false, domain.ErrPaymentNotFound
}

// AddRefund атомарно увеличивает RefundedAmount платежа, не допуская
// превышения успешно оплаченной суммы.
func (r *paymentRepositoryInMemory) AddRefund(paymentID string, amount decimal.Decimal) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.items[paymentID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}

	available := payment.Refundable()
	if amount.GreaterThan(available) {
		return payment, &domain.RefundExceedsPaidError{
			PaymentID: paymentID,
			Requested: amount,
			Available: available,
		}
	}

	payment.RefundedAmount = payment.RefundedAmount.Add(amount)
	payment.UpdatedAt = time.Now().UTC()
	r.items[paymentID] = payment
	return payment, nil
}

// ListStalePending возвращает pending-платежи, созданные раньше before.
func (r *paymentRepositoryInMemory) ListStalePending(before time.Time) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, payment := range r.items {
		if payment.Status == domain.PaymentStatusPending && payment.CreatedAt.Before(before) {
			result = append(result, payment)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)
