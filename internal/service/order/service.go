// Package order реализует агрегатный сервис заказа: оркестрация создания,
// аудита, отмены, выдачи и возврата поверх state machine домена. Сервис
// авторизует вызовы, применяет переходы и фиксирует их последствия:
// аудит-след, события outbox, статусы позиций каталога и деньги через
// reconciler.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/availability"
	"rentmarket/internal/domain"
	"rentmarket/internal/metrics"
	"rentmarket/internal/pricing"
)

// Reconciler закрывает денежные последствия переходов заказа.
type Reconciler interface {
	// RefundOrder возвращает все невозвращённые платежи заказа.
	RefundOrder(ctx context.Context, orderID, reason string) error
	// RefundDeposit возвращает остаток залога по заказу.
	RefundDeposit(ctx context.Context, orderID string) error
	// RecordDamage фиксирует удержание за ущерб расходной записью.
	RecordDamage(ctx context.Context, orderID string, amount decimal.Decimal, description string) (domain.FinanceRecord, error)
}

// Config — настройки сервиса заказов.
type Config struct {
	// DepositRate — доля от суммы заказа, удерживаемая как залог.
	DepositRate decimal.Decimal
}

// CreateItem — позиция запроса на создание заказа.
type CreateItem struct {
	ItemID   string
	Quantity int32
}

// CreateRequest — запрос на создание заказа.
type CreateRequest struct {
	Items     []CreateItem
	StartDate time.Time
	EndDate   time.Time
	Remark    string
}

// Service — агрегатный сервис заказа.
type Service struct {
	orders     domain.OrderRepository
	history    domain.HistoryRepository
	outbox     domain.OutboxRepository
	catalog    domain.Catalog
	checker    *availability.Checker
	reconciler Reconciler
	cfg        Config
	logger     *log.Entry
	metrics    *metrics.OrderMetrics
}

// NewService создаёт рабочий экземпляр сервиса заказов.
func NewService(
	orders domain.OrderRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	catalog domain.Catalog,
	checker *availability.Checker,
	reconciler Reconciler,
	cfg Config,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order")
	}
	return &Service{
		orders:     orders,
		history:    history,
		outbox:     outbox,
		catalog:    catalog,
		checker:    checker,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics.NewOrderMetrics(),
	}
}

// NewServiceWithoutMetrics создаёт сервис без метрик (для тестов).
func NewServiceWithoutMetrics(
	orders domain.OrderRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	catalog domain.Catalog,
	checker *availability.Checker,
	reconciler Reconciler,
	cfg Config,
	logger *log.Entry,
) *Service {
	svc := NewService(orders, history, outbox, catalog, checker, reconciler, cfg, logger)
	svc.metrics = nil
	return svc
}

// Create создаёт pending-заказ: снимает цены из каталога, считает сумму и
// залог, проверяет доступность позиций. PENDING — мягкий hold: авторитетная
// пере-проверка происходит на аудите.
func (s *Service) Create(ctx context.Context, auth domain.AuthContext, req CreateRequest) (domain.Order, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordOperationDuration("create", time.Since(start))
		}
	}()

	if auth.UserID == "" {
		return domain.Order{}, domain.ErrUserRequired
	}
	if len(req.Items) == 0 {
		return domain.Order{}, domain.ErrItemsRequired
	}

	days, err := pricing.Days(req.StartDate, req.EndDate)
	if err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	orderID := uuid.NewString()

	// Снимаем цены и проверяем статус каждой позиции в каталоге.
	items := make([]domain.OrderItem, 0, len(req.Items))
	lines := make([]pricing.Line, 0, len(req.Items))
	for _, reqItem := range req.Items {
		if reqItem.Quantity < 1 {
			return domain.Order{}, domain.ErrItemQtyInvalid
		}
		item, err := s.catalog.GetItem(ctx, reqItem.ItemID)
		if err != nil {
			return domain.Order{}, err
		}
		if item.Status != domain.ItemStatusAvailable {
			return domain.Order{}, &domain.ItemUnavailableError{
				ItemID: item.ID,
				Reason: "catalog status is " + string(item.Status),
			}
		}
		items = append(items, domain.OrderItem{
			ID:          uuid.NewString(),
			OrderID:     orderID,
			ItemID:      item.ID,
			Quantity:    reqItem.Quantity,
			PricePerDay: item.PricePerDay,
			CreatedAt:   now,
		})
		lines = append(lines, pricing.Line{PricePerDay: item.PricePerDay, Quantity: reqItem.Quantity})
	}

	// Advisory-проверка занятости по блокирующим заказам.
	if err := s.checker.CheckItems(items, req.StartDate, req.EndDate, ""); err != nil {
		return domain.Order{}, err
	}

	quote, err := pricing.ComputeTotal(lines, req.StartDate, req.EndDate)
	if err != nil {
		return domain.Order{}, err
	}
	for i := range items {
		items[i].TotalAmount = quote.PerLine[i]
	}

	order := domain.Order{
		ID:            orderID,
		OrderNo:       domain.NewOrderNo(now),
		UserID:        auth.UserID,
		Status:        domain.OrderStatusPending,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		TotalAmount:   quote.Total,
		DepositAmount: pricing.Deposit(quote.Total, s.cfg.DepositRate),
		Remark:        req.Remark,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errs[0]
	}
	if err := s.orders.Create(order); err != nil {
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.recordTransition(order, "", "order.created", auth.UserID, req.Remark, "")

	s.logger.WithFields(log.Fields{
		"order_no": order.OrderNo,
		"user_id":  order.UserID,
		"days":     days,
		"total":    order.TotalAmount.String(),
	}).Info("order created")
	return order, nil
}

// Audit проводит аудит pending-заказа. Одобрение проходит через авторитетную
// пере-проверку конфликтов: из конкурирующих заказов на пересекающиеся даты
// выигрывает ровно один. Отклонение уже оплаченного заказа сначала возвращает
// деньги.
func (s *Service) Audit(ctx context.Context, auth domain.AuthContext, orderID string, approved bool, comment string) (domain.Order, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordOperationDuration("audit", time.Since(start))
		}
	}()

	if !auth.HasRole(domain.RoleAuditor) {
		return domain.Order{}, domain.ErrUnauthorized
	}

	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	oldStatus := order.Status

	if !approved {
		if order.Status == domain.OrderStatusPaid {
			if err := s.reconciler.RefundOrder(ctx, order.ID, "order rejected: "+comment); err != nil {
				return domain.Order{}, err
			}
		}
		if err := order.Apply(domain.EventReject, time.Now().UTC()); err != nil {
			return domain.Order{}, err
		}
		if err := s.orders.Save(order); err != nil {
			return domain.Order{}, err
		}
		order.Version++
		s.recordTransition(order, oldStatus, "order.audited", auth.UserID, comment, string(domain.EventReject))
		return order, nil
	}

	if err := order.Apply(domain.EventApprove, time.Now().UTC()); err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.SaveWithConflictCheck(order); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) && s.metrics != nil {
			s.metrics.RecordConflict()
		}
		return domain.Order{}, err
	}
	order.Version++

	s.recordTransition(order, oldStatus, "order.audited", auth.UserID, comment, string(domain.EventApprove))
	s.logger.WithFields(log.Fields{
		"order_no": order.OrderNo,
		"auditor":  auth.UserID,
	}).Info("order approved")
	return order, nil
}

// Cancel отменяет заказ до начала использования. Доступно владельцу и аудитору.
func (s *Service) Cancel(ctx context.Context, auth domain.AuthContext, orderID, reason string) (domain.Order, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != auth.UserID && !auth.HasRole(domain.RoleAuditor) {
		return domain.Order{}, domain.ErrUnauthorized
	}
	oldStatus := order.Status

	if err := order.Apply(domain.EventCancel, time.Now().UTC()); err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Save(order); err != nil {
		return domain.Order{}, err
	}
	order.Version++

	s.recordTransition(order, oldStatus, "order.cancelled", auth.UserID, reason, string(domain.EventCancel))
	return order, nil
}

// StartUse фиксирует выдачу позиций арендатору: заказ переходит в in_use,
// позиции в каталоге помечаются rented.
func (s *Service) StartUse(ctx context.Context, auth domain.AuthContext, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != auth.UserID && !auth.HasRole(domain.RoleAuditor) {
		return domain.Order{}, domain.ErrUnauthorized
	}
	oldStatus := order.Status

	if err := order.Apply(domain.EventStartUse, time.Now().UTC()); err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Save(order); err != nil {
		return domain.Order{}, err
	}
	order.Version++

	s.setItemStatuses(ctx, order, domain.ItemStatusRented)
	if s.metrics != nil {
		s.metrics.RecordRentalStarted()
	}
	s.recordTransition(order, oldStatus, "order.started", auth.UserID, "", string(domain.EventStartUse))
	return order, nil
}

// Return фиксирует возврат позиций. Чистый возврат автоматически возвращает
// залог; при ущербе залог удерживается и пишется расходная запись.
func (s *Service) Return(ctx context.Context, auth domain.AuthContext, orderID string, hasDamage bool, damageDescription string) (domain.Order, error) {
	if !auth.HasRole(domain.RoleAuditor) {
		return domain.Order{}, domain.ErrUnauthorized
	}

	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	oldStatus := order.Status

	now := time.Now().UTC()
	if err := order.Apply(domain.EventReturn, now); err != nil {
		return domain.Order{}, err
	}
	order.ActualReturnDate = &now
	if err := s.orders.Save(order); err != nil {
		return domain.Order{}, err
	}
	order.Version++

	s.setItemStatuses(ctx, order, domain.ItemStatusAvailable)
	if s.metrics != nil {
		s.metrics.RecordRentalFinished()
	}

	// Заказ уже в returned, поэтому ошибка сверки не откатывает переход,
	// но доводится до вызывающего: удержание или возврат залога не случились.
	if hasDamage {
		if _, err := s.reconciler.RecordDamage(ctx, order.ID, order.DepositAmount, damageDescription); err != nil {
			s.logger.WithError(err).WithField("order_no", order.OrderNo).Error("record damage failed")
			return domain.Order{}, fmt.Errorf("record damage for order %s: %w", order.OrderNo, err)
		}
	} else if err := s.reconciler.RefundDeposit(ctx, order.ID); err != nil {
		s.logger.WithError(err).WithField("order_no", order.OrderNo).Error("refund deposit failed")
		return domain.Order{}, fmt.Errorf("refund deposit for order %s: %w", order.OrderNo, err)
	}

	reason := ""
	if hasDamage {
		reason = "damage: " + damageDescription
	}
	s.recordTransition(order, oldStatus, "order.returned", auth.UserID, reason, string(domain.EventReturn))
	return order, nil
}

// IsItemAvailable сообщает, свободна ли позиция в диапазоне дат. Ответ
// advisory: между проверкой и созданием заказа слот может занять другой заказ.
func (s *Service) IsItemAvailable(ctx context.Context, itemID string, start, end time.Time) (bool, error) {
	if _, err := pricing.Days(start, end); err != nil {
		return false, err
	}
	conflict, err := s.checker.HasConflict(itemID, start, end, "")
	if err != nil {
		return false, err
	}
	return !conflict, nil
}

// Get возвращает заказ владельцу или сотруднику.
func (s *Service) Get(ctx context.Context, auth domain.AuthContext, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != auth.UserID && !auth.HasAnyRole(domain.RoleAuditor, domain.RoleFinance) {
		return domain.Order{}, domain.ErrUnauthorized
	}
	return order, nil
}

// ListByUser возвращает заказы пользователя. Чужие заказы видят только
// сотрудники.
func (s *Service) ListByUser(ctx context.Context, auth domain.AuthContext, userID string, limit int) ([]domain.Order, error) {
	if userID != auth.UserID && !auth.HasAnyRole(domain.RoleAuditor, domain.RoleFinance) {
		return nil, domain.ErrUnauthorized
	}
	return s.orders.ListByUser(userID, limit)
}

// History возвращает аудит-след заказа.
func (s *Service) History(ctx context.Context, auth domain.AuthContext, orderID string) ([]domain.HistoryEvent, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != auth.UserID && !auth.HasAnyRole(domain.RoleAuditor, domain.RoleFinance) {
		return nil, domain.ErrUnauthorized
	}
	return s.history.List(orderID)
}

// setItemStatuses запрашивает смену статуса всех позиций заказа в каталоге.
// Каталог внешний, ошибки не откатывают переход заказа.
func (s *Service) setItemStatuses(ctx context.Context, order domain.Order, status domain.ItemStatus) {
	for _, item := range order.Items {
		if err := s.catalog.SetItemStatus(ctx, item.ItemID, status); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_no": order.OrderNo,
				"item_id":  item.ItemID,
				"status":   status,
			}).Warn("set catalog item status failed")
		}
	}
}

// recordTransition фиксирует переход: аудит-след, событие outbox и метрики.
func (s *Service) recordTransition(order domain.Order, oldStatus domain.OrderStatus, eventType, actor, reason, event string) {
	if event != "" && s.metrics != nil {
		s.metrics.RecordTransition(event)
	}

	if err := s.history.Append(domain.HistoryEvent{
		OrderID:   order.ID,
		Type:      eventType,
		OldStatus: oldStatus,
		NewStatus: order.Status,
		Actor:     actor,
		Reason:    reason,
		Occurred:  order.UpdatedAt,
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("append history event failed")
	} else if s.metrics != nil {
		s.metrics.RecordHistoryEvent()
	}

	payload := map[string]interface{}{
		"order_no":   order.OrderNo,
		"old_status": string(oldStatus),
		"new_status": string(order.Status),
		"actor":      actor,
		"ts":         order.UpdatedAt.Format(time.RFC3339Nano),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("marshal event failed")
		return
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     "order.status_changed",
		Payload:       data,
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("enqueue event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}
