// Package payment сводит платежи и возвраты с жизненным циклом заказа:
// подтверждение шлюза двигает заказ в paid, возвраты и ущерб ложатся в
// append-only финансовый журнал.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/domain"
	"rentmarket/internal/metrics"
)

// Service реализует сверку платежей и возвратов.
type Service struct {
	orders   domain.OrderRepository
	payments domain.PaymentRepository
	finance  domain.FinanceRepository
	history  domain.HistoryRepository
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.OrderMetrics
}

// NewService создаёт рабочий экземпляр сервиса платежей.
func NewService(
	orders domain.OrderRepository,
	payments domain.PaymentRepository,
	finance domain.FinanceRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "payment")
	}
	return &Service{
		orders:   orders,
		payments: payments,
		finance:  finance,
		history:  history,
		outbox:   outbox,
		logger:   logger,
		metrics:  metrics.NewOrderMetrics(),
	}
}

// NewServiceWithoutMetrics создаёт сервис без метрик (для тестов).
func NewServiceWithoutMetrics(
	orders domain.OrderRepository,
	payments domain.PaymentRepository,
	finance domain.FinanceRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
) *Service {
	svc := NewService(orders, payments, finance, history, outbox, logger)
	svc.metrics = nil
	return svc
}

// Link создаёт pending-платёж, привязанный к заказу. Арендная плата принимается
// только по подтверждённому заказу, залог — по подтверждённому или оплаченному.
func (s *Service) Link(ctx context.Context, auth domain.AuthContext, orderID string, amount decimal.Decimal, method domain.PaymentMethod, ptype domain.PaymentType) (domain.Payment, error) {
	if !method.Valid() {
		return domain.Payment{}, domain.ErrPaymentMethodInvalid
	}
	if !ptype.Valid() || ptype == domain.PaymentTypeRefund {
		return domain.Payment{}, domain.ErrPaymentTypeInvalid
	}
	if !amount.IsPositive() {
		return domain.Payment{}, domain.ErrPaymentAmountInvalid
	}

	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	if order.UserID != auth.UserID && !auth.HasAnyRole(domain.RoleAuditor, domain.RoleFinance) {
		return domain.Payment{}, domain.ErrUnauthorized
	}

	allowed := order.Status == domain.OrderStatusConfirmed ||
		(ptype == domain.PaymentTypeDeposit && order.Status == domain.OrderStatusPaid)
	if !allowed {
		return domain.Payment{}, &domain.IllegalStateError{Current: order.Status, Event: domain.EventPay}
	}

	now := time.Now().UTC()
	payment := domain.Payment{
		ID:             uuid.NewString(),
		PaymentNo:      domain.NewPaymentNo(now),
		OrderID:        order.ID,
		Amount:         amount,
		Method:         method,
		Type:           ptype,
		Status:         domain.PaymentStatusPending,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Create(payment); err != nil {
		return domain.Payment{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"payment_no": payment.PaymentNo,
		"type":       ptype,
		"amount":     amount.String(),
	}).Info("payment linked to order")
	return payment, nil
}

// ConfirmCallback обрабатывает callback платёжного шлюза. Повтор с тем же
// externalTxnID не применяет платёж второй раз, но повторяет перевод заказа
// в paid, если первый вызов оборвался после фиксации платежа.
func (s *Service) ConfirmCallback(ctx context.Context, paymentNo, externalTxnID string, success bool) (domain.Payment, error) {
	if !success {
		return s.markFailed(paymentNo, externalTxnID)
	}

	if externalTxnID != "" {
		bound, err := s.payments.GetByExternalTxnID(externalTxnID)
		switch {
		case err == nil && bound.PaymentNo != paymentNo:
			s.logger.WithFields(log.Fields{
				"payment_no": paymentNo,
				"txn_id":     externalTxnID,
				"bound_to":   bound.PaymentNo,
			}).Warn("external txn id is bound to another payment")
			return domain.Payment{}, domain.ErrExternalTxnConflict
		case err == nil:
			return s.resettle(bound)
		case !errors.Is(err, domain.ErrPaymentNotFound):
			return domain.Payment{}, err
		}
	}

	payment, applied, err := s.payments.ConfirmSuccess(paymentNo, externalTxnID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !applied {
		if payment.ExternalTxnID != externalTxnID {
			s.logger.WithFields(log.Fields{
				"payment_no": paymentNo,
				"txn_id":     externalTxnID,
				"stored_txn": payment.ExternalTxnID,
			}).Warn("callback replay with different external txn id")
			return payment, nil
		}
		return s.resettle(payment)
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentConfirmed()
	}
	s.emitEvent("payment", payment.ID, "payment.succeeded", map[string]interface{}{
		"payment_no": payment.PaymentNo,
		"order_id":   payment.OrderID,
		"type":       string(payment.Type),
		"amount":     payment.Amount.String(),
	})
	if _, err := s.recordFinance(payment.OrderID, payment.ID, domain.FinanceTypeIncome, string(payment.Type), payment.Amount, "gateway payment confirmed"); err != nil {
		// Платёж уже зафиксирован, откатить его нельзя. Запись дохода
		// остаётся на ручной сверке по логу.
		s.logger.WithError(err).WithField("payment_no", payment.PaymentNo).Error("append income record failed")
	}

	if payment.Type == domain.PaymentTypeRental {
		if err := s.settleOrder(payment); err != nil {
			// Платёж уже зафиксирован, переход доедет на повторе callback.
			s.logger.WithError(err).WithField("order_id", payment.OrderID).Error("settle order after payment failed")
		}
	}

	return payment, nil
}

// resettle обслуживает повтор callback: платёж уже success, но заказ мог
// остаться в confirmed, если первый вызов проиграл конфликт версий.
// settleOrder идемпотентен и молчит, когда заказ уже ушёл из confirmed.
func (s *Service) resettle(payment domain.Payment) (domain.Payment, error) {
	if payment.Type != domain.PaymentTypeRental || payment.Status != domain.PaymentStatusSuccess {
		return payment, nil
	}
	if err := s.settleOrder(payment); err != nil {
		return payment, err
	}
	return payment, nil
}

// settleOrder переводит заказ в paid, когда успешные арендные платежи покрывают
// его сумму.
func (s *Service) settleOrder(payment domain.Payment) error {
	order, err := s.orders.Get(payment.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusConfirmed {
		return nil
	}

	all, err := s.payments.ListByOrder(order.ID)
	if err != nil {
		return err
	}
	paid := decimal.Zero
	for _, p := range all {
		if p.Type == domain.PaymentTypeRental && p.Status == domain.PaymentStatusSuccess {
			paid = paid.Add(p.Amount)
		}
	}
	if paid.LessThan(order.TotalAmount) {
		return nil
	}

	oldStatus := order.Status
	if err := order.Apply(domain.EventPay, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.orders.SaveWithConflictCheck(order); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordTransition(string(domain.EventPay))
	}
	s.appendHistory(domain.HistoryEvent{
		OrderID:   order.ID,
		Type:      "order.paid",
		OldStatus: oldStatus,
		NewStatus: order.Status,
		Actor:     "gateway",
		Occurred:  order.UpdatedAt,
	})
	s.emitEvent("order", order.ID, "order.status_changed", map[string]interface{}{
		"order_no":   order.OrderNo,
		"old_status": string(oldStatus),
		"new_status": string(order.Status),
	})
	return nil
}

func (s *Service) markFailed(paymentNo, externalTxnID string) (domain.Payment, error) {
	payment, err := s.payments.GetByNo(paymentNo)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.Status != domain.PaymentStatusPending {
		// Терминальный статус уже зафиксирован, повтор игнорируем.
		return payment, nil
	}

	payment.Status = domain.PaymentStatusFailed
	payment.ExternalTxnID = externalTxnID
	if err := s.payments.Save(payment); err != nil {
		return domain.Payment{}, err
	}
	s.logger.WithFields(log.Fields{
		"payment_no": paymentNo,
		"txn_id":     externalTxnID,
	}).Warn("gateway reported payment failure")
	return payment, nil
}

// Refund выполняет частичный или полный возврат по успешному платежу.
// Доступен только роли finance.
func (s *Service) Refund(ctx context.Context, auth domain.AuthContext, paymentID string, amount decimal.Decimal, reason string) (domain.Payment, error) {
	if !auth.HasRole(domain.RoleFinance) {
		return domain.Payment{}, domain.ErrUnauthorized
	}
	if !amount.IsPositive() {
		return domain.Payment{}, domain.ErrPaymentAmountInvalid
	}
	return s.refund(paymentID, amount, reason, auth.UserID)
}

func (s *Service) refund(paymentID string, amount decimal.Decimal, reason, actor string) (domain.Payment, error) {
	original, err := s.payments.AddRefund(paymentID, amount)
	if err != nil {
		return domain.Payment{}, err
	}

	now := time.Now().UTC()
	refundPayment := domain.Payment{
		ID:             uuid.NewString(),
		PaymentNo:      domain.NewPaymentNo(now),
		OrderID:        original.OrderID,
		Amount:         amount,
		Method:         original.Method,
		Type:           domain.PaymentTypeRefund,
		Status:         domain.PaymentStatusSuccess,
		RefundedAmount: decimal.Zero,
		RefundOfID:     original.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Create(refundPayment); err != nil {
		return domain.Payment{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordRefund()
	}
	if _, err := s.recordFinance(original.OrderID, original.ID, domain.FinanceTypeRefund, string(original.Type), amount, reason); err != nil {
		return domain.Payment{}, err
	}
	s.emitEvent("payment", original.ID, "payment.refunded", map[string]interface{}{
		"order_id":   original.OrderID,
		"payment_no": original.PaymentNo,
		"refund_no":  refundPayment.PaymentNo,
		"amount":     amount.String(),
		"actor":      actor,
	})

	s.logger.WithFields(log.Fields{
		"payment_no": original.PaymentNo,
		"refund_no":  refundPayment.PaymentNo,
		"amount":     amount.String(),
	}).Info("refund issued")
	return refundPayment, nil
}

// RefundOrder возвращает все невозвращённые успешные платежи заказа. Вызывается
// сервисом заказов при отклонении уже оплаченного заказа.
func (s *Service) RefundOrder(ctx context.Context, orderID, reason string) error {
	payments, err := s.payments.ListByOrder(orderID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Type == domain.PaymentTypeRefund {
			continue
		}
		remaining := p.Refundable()
		if !remaining.IsPositive() {
			continue
		}
		if _, err := s.refund(p.ID, remaining, reason, "system"); err != nil {
			return err
		}
	}
	return nil
}

// RefundDeposit возвращает остаток залога по заказу. Вызывается при чистом
// возврате позиций.
func (s *Service) RefundDeposit(ctx context.Context, orderID string) error {
	payments, err := s.payments.ListByOrder(orderID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Type != domain.PaymentTypeDeposit {
			continue
		}
		remaining := p.Refundable()
		if !remaining.IsPositive() {
			continue
		}
		if _, err := s.refund(p.ID, remaining, "deposit returned", "system"); err != nil {
			return err
		}
	}
	return nil
}

// RecordDamage фиксирует удержание за ущерб расходной записью журнала.
// Залог при этом не возвращается.
func (s *Service) RecordDamage(ctx context.Context, orderID string, amount decimal.Decimal, description string) (domain.FinanceRecord, error) {
	return s.recordFinance(orderID, "", domain.FinanceTypeExpense, "damage", amount, description)
}

// ReconcileStale отменяет pending-платежи, зависшие дольше olderThan, и
// возвращает затронутые платежи для операторского контроля.
func (s *Service) ReconcileStale(ctx context.Context, olderThan time.Duration) ([]domain.Payment, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.payments.ListStalePending(cutoff)
	if err != nil {
		return nil, err
	}

	swept := make([]domain.Payment, 0, len(stale))
	for _, p := range stale {
		p.Status = domain.PaymentStatusCancelled
		if err := s.payments.Save(p); err != nil {
			s.logger.WithError(err).WithField("payment_no", p.PaymentNo).Error("cancel stale payment failed")
			continue
		}
		s.logger.WithFields(log.Fields{
			"payment_no": p.PaymentNo,
			"order_id":   p.OrderID,
			"created_at": p.CreatedAt.Format(time.RFC3339),
		}).Warn("stale pending payment cancelled")
		swept = append(swept, p)
	}
	return swept, nil
}

// ListByOrder возвращает платежи заказа (владелец или роль finance/auditor).
func (s *Service) ListByOrder(ctx context.Context, auth domain.AuthContext, orderID string) ([]domain.Payment, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != auth.UserID && !auth.HasAnyRole(domain.RoleAuditor, domain.RoleFinance) {
		return nil, domain.ErrUnauthorized
	}
	return s.payments.ListByOrder(orderID)
}

func (s *Service) recordFinance(orderID, paymentID string, ftype domain.FinanceType, category string, amount decimal.Decimal, description string) (domain.FinanceRecord, error) {
	now := time.Now().UTC()
	record := domain.FinanceRecord{
		ID:          uuid.NewString(),
		RecordNo:    domain.NewRecordNo(now),
		OrderID:     orderID,
		PaymentID:   paymentID,
		Type:        ftype,
		Category:    category,
		Amount:      amount,
		Description: description,
		CreatedAt:   now,
	}
	if err := s.finance.Create(record); err != nil {
		return domain.FinanceRecord{}, fmt.Errorf("append finance record: %w", err)
	}
	s.emitEvent("finance", record.ID, "finance.recorded", map[string]interface{}{
		"record_no": record.RecordNo,
		"order_id":  orderID,
		"type":      string(ftype),
		"category":  category,
		"amount":    amount.String(),
	})
	return record, nil
}

func (s *Service) appendHistory(event domain.HistoryEvent) {
	if err := s.history.Append(event); err != nil {
		s.logger.WithError(err).WithField("order_id", event.OrderID).Warn("append history event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordHistoryEvent()
	}
}

func (s *Service) emitEvent(aggregateType, aggregateID, eventType string, payload map[string]interface{}) {
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", eventType).Error("marshal event failed")
		return
	}
	msg := domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := s.outbox.Enqueue(msg); err != nil {
		s.logger.WithError(err).WithField("event", eventType).Error("enqueue event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}
