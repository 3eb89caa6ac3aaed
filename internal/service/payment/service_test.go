package payment

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/domain"
	"rentmarket/internal/storage/memory"
)

type fixture struct {
	orders   domain.OrderRepository
	payments domain.PaymentRepository
	finance  domain.FinanceRepository
	history  domain.HistoryRepository
	outbox   domain.OutboxRepository
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		orders:   memory.NewOrderRepository(),
		payments: memory.NewPaymentRepository(),
		finance:  memory.NewFinanceRepository(),
		history:  memory.NewHistoryRepository(),
		outbox:   memory.NewOutboxRepository(),
	}
	f.rebuild()
	return f
}

// rebuild пересобирает сервис поверх текущих репозиториев fixture. Нужен
// тестам, подменяющим репозиторий обёрткой с отказами.
func (f *fixture) rebuild() {
	logger := log.New()
	logger.SetOutput(io.Discard)
	f.svc = NewServiceWithoutMetrics(f.orders, f.payments, f.finance, f.history, f.outbox,
		logger.WithField("component", "payment-test"))
}

func date(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func (f *fixture) seedOrder(t *testing.T, status domain.OrderStatus, total string) domain.Order {
	t.Helper()

	now := time.Now().UTC()
	order := domain.Order{
		ID:          "order-1",
		OrderNo:     domain.NewOrderNo(now),
		UserID:      "user-1",
		Status:      status,
		StartDate:   date("2024-01-01"),
		EndDate:     date("2024-01-04"),
		TotalAmount: decimal.RequireFromString(total),
		Items: []domain.OrderItem{{
			ID:          "line-1",
			OrderID:     "order-1",
			ItemID:      "item-1",
			Quantity:    1,
			PricePerDay: decimal.RequireFromString("150.00"),
			TotalAmount: decimal.RequireFromString(total),
			CreatedAt:   now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.orders.Create(order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func renter() domain.AuthContext {
	return domain.AuthContext{UserID: "user-1", Roles: []domain.Role{domain.RoleRenter}}
}

func financeUser() domain.AuthContext {
	return domain.AuthContext{UserID: "fin-1", Roles: []domain.Role{domain.RoleFinance}}
}

func TestLink_RequiresConfirmedOrder(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusPending, "450.00")

	_, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)

	var illegal *domain.IllegalStateError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError, got %v", err)
	}
}

func TestLink_RejectsForeignUser(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	stranger := domain.AuthContext{UserID: "user-2", Roles: []domain.Role{domain.RoleRenter}}
	_, err := f.svc.Link(context.Background(), stranger, "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLink_RejectsRefundType(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	_, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRefund)
	if !errors.Is(err, domain.ErrPaymentTypeInvalid) {
		t.Fatalf("expected ErrPaymentTypeInvalid, got %v", err)
	}
}

func TestConfirmCallback_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	payment, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	first, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if first.Status != domain.PaymentStatusSuccess {
		t.Fatalf("payment status = %s, want success", first.Status)
	}

	// Повтор callback шлюза: состояние не должно измениться второй раз.
	replay, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true)
	if err != nil {
		t.Fatalf("replay confirm: %v", err)
	}
	if replay.Status != domain.PaymentStatusSuccess {
		t.Fatalf("replay payment status = %s", replay.Status)
	}

	order, err := f.orders.Get("order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want paid", order.Status)
	}

	// Ровно одна income-запись несмотря на два callback.
	records, err := f.finance.ListByOrder("order-1")
	if err != nil {
		t.Fatalf("list finance: %v", err)
	}
	income := 0
	for _, r := range records {
		if r.Type == domain.FinanceTypeIncome {
			income++
		}
	}
	if income != 1 {
		t.Fatalf("income records = %d, want 1", income)
	}
}

func TestConfirmCallback_PartialPaymentKeepsOrderConfirmed(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	payment, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("200.00"), domain.PaymentMethodWechat, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	order, err := f.orders.Get("order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("partial payment moved order to %s", order.Status)
	}
}

func TestConfirmCallback_Failure(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	payment, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	failed, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", false)
	if err != nil {
		t.Fatalf("confirm failure: %v", err)
	}
	if failed.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", failed.Status)
	}

	order, err := f.orders.Get("order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("failed payment moved order to %s", order.Status)
	}
}

func TestRefund_RequiresFinanceRole(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	_, err := f.svc.Refund(context.Background(), renter(), "pay-1",
		decimal.RequireFromString("100.00"), "change of plans")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefund_FlowAndGuard(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	payment, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	refund, err := f.svc.Refund(context.Background(), financeUser(), payment.ID,
		decimal.RequireFromString("200.00"), "damaged on arrival")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Type != domain.PaymentTypeRefund || refund.RefundOfID != payment.ID {
		t.Fatalf("unexpected refund row: %+v", refund)
	}

	// Остаток 250.00, возврат 300.00 должен отклоняться.
	_, err = f.svc.Refund(context.Background(), financeUser(), payment.ID,
		decimal.RequireFromString("300.00"), "too much")
	var exceeds *domain.RefundExceedsPaidError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected RefundExceedsPaidError, got %v", err)
	}
	if !exceeds.Available.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("available = %s, want 250.00", exceeds.Available)
	}

	records, err := f.finance.ListByOrder("order-1")
	if err != nil {
		t.Fatalf("list finance: %v", err)
	}
	refunds := 0
	for _, r := range records {
		if r.Type == domain.FinanceTypeRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("refund records = %d, want 1", refunds)
	}
}

func TestRefundDeposit(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	deposit, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("90.00"), domain.PaymentMethodAlipay, domain.PaymentTypeDeposit)
	if err != nil {
		t.Fatalf("link deposit: %v", err)
	}
	if _, err := f.svc.ConfirmCallback(context.Background(), deposit.PaymentNo, "txn-dep", true); err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}

	if err := f.svc.RefundDeposit(context.Background(), "order-1"); err != nil {
		t.Fatalf("refund deposit: %v", err)
	}

	updated, err := f.payments.Get(deposit.ID)
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if !updated.RefundedAmount.Equal(decimal.RequireFromString("90.00")) {
		t.Fatalf("deposit refunded = %s, want 90.00", updated.RefundedAmount)
	}

	// Повторный вызов — no-op: остаток нулевой.
	if err := f.svc.RefundDeposit(context.Background(), "order-1"); err != nil {
		t.Fatalf("repeated refund deposit: %v", err)
	}
}

func TestRecordDamage(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	record, err := f.svc.RecordDamage(context.Background(), "order-1",
		decimal.RequireFromString("90.00"), "scratched lens")
	if err != nil {
		t.Fatalf("record damage: %v", err)
	}
	if record.Type != domain.FinanceTypeExpense || record.Category != "damage" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

// conflictingOrderRepository проигрывает заданное число сохранений с
// конфликтом версий, дальше работает как настоящий репозиторий.
type conflictingOrderRepository struct {
	domain.OrderRepository
	failures int
}

func (r *conflictingOrderRepository) SaveWithConflictCheck(order domain.Order) error {
	if r.failures > 0 {
		r.failures--
		return domain.ErrOrderVersionConflict
	}
	return r.OrderRepository.SaveWithConflictCheck(order)
}

// failingFinanceRepository отклоняет любую запись журнала.
type failingFinanceRepository struct {
	domain.FinanceRepository
	err error
}

func (r *failingFinanceRepository) Create(domain.FinanceRecord) error { return r.err }

func TestConfirmCallback_ReplayResettlesAfterConflict(t *testing.T) {
	f := newFixture(t)
	flaky := &conflictingOrderRepository{OrderRepository: f.orders, failures: 1}
	f.orders = flaky
	f.rebuild()
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	payment, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	// Первый callback проигрывает гонку на сохранении заказа: платёж
	// зафиксирован, заказ остался в confirmed.
	first, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if first.Status != domain.PaymentStatusSuccess {
		t.Fatalf("payment status = %s, want success", first.Status)
	}
	stuck, err := f.orders.Get("order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stuck.Status != domain.OrderStatusConfirmed {
		t.Fatalf("order status after conflict = %s, want confirmed", stuck.Status)
	}

	// Повтор шлюза с тем же txn-id должен довести заказ до paid.
	if _, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true); err != nil {
		t.Fatalf("replay confirm: %v", err)
	}
	order, err := f.orders.Get("order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("order status after replay = %s, want paid", order.Status)
	}

	// Повтор не дублирует доход.
	records, err := f.finance.ListByOrder("order-1")
	if err != nil {
		t.Fatalf("list finance: %v", err)
	}
	income := 0
	for _, r := range records {
		if r.Type == domain.FinanceTypeIncome {
			income++
		}
	}
	if income != 1 {
		t.Fatalf("income records = %d, want 1", income)
	}
}

func TestConfirmCallback_RejectsForeignTxnID(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	first, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("200.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link first: %v", err)
	}
	second, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("250.00"), domain.PaymentMethodWechat, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link second: %v", err)
	}

	if _, err := f.svc.ConfirmCallback(context.Background(), first.PaymentNo, "txn-1", true); err != nil {
		t.Fatalf("confirm first: %v", err)
	}

	// Тот же txn-id на другом платеже — конфликт, второй платёж не трогаем.
	_, err = f.svc.ConfirmCallback(context.Background(), second.PaymentNo, "txn-1", true)
	if !errors.Is(err, domain.ErrExternalTxnConflict) {
		t.Fatalf("expected ErrExternalTxnConflict, got %v", err)
	}
	untouched, err := f.payments.Get(second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if untouched.Status != domain.PaymentStatusPending {
		t.Fatalf("second payment status = %s, want pending", untouched.Status)
	}
}

func TestRefund_FinanceWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	payment, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.svc.ConfirmCallback(context.Background(), payment.PaymentNo, "txn-1", true); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	journalDown := errors.New("journal unavailable")
	f.finance = &failingFinanceRepository{FinanceRepository: f.finance, err: journalDown}
	f.rebuild()

	_, err = f.svc.Refund(context.Background(), financeUser(), payment.ID,
		decimal.RequireFromString("100.00"), "damaged on arrival")
	if !errors.Is(err, journalDown) {
		t.Fatalf("expected journal error, got %v", err)
	}
}

func TestRecordDamage_FinanceWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	journalDown := errors.New("journal unavailable")
	f.finance = &failingFinanceRepository{FinanceRepository: f.finance, err: journalDown}
	f.rebuild()

	_, err := f.svc.RecordDamage(context.Background(), "order-1",
		decimal.RequireFromString("90.00"), "scratched lens")
	if !errors.Is(err, journalDown) {
		t.Fatalf("expected journal error, got %v", err)
	}
}

func TestReconcileStale(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, domain.OrderStatusConfirmed, "450.00")

	stale := domain.Payment{
		ID:             "pay-stale",
		PaymentNo:      domain.NewPaymentNo(time.Now().UTC()),
		OrderID:        "order-1",
		Amount:         decimal.RequireFromString("450.00"),
		Method:         domain.PaymentMethodAlipay,
		Type:           domain.PaymentTypeRental,
		Status:         domain.PaymentStatusPending,
		RefundedAmount: decimal.Zero,
		CreatedAt:      time.Now().UTC().Add(-48 * time.Hour),
		UpdatedAt:      time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := f.payments.Create(stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}

	fresh, err := f.svc.Link(context.Background(), renter(), "order-1",
		decimal.RequireFromString("450.00"), domain.PaymentMethodAlipay, domain.PaymentTypeRental)
	if err != nil {
		t.Fatalf("link fresh: %v", err)
	}

	swept, err := f.svc.ReconcileStale(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != "pay-stale" {
		t.Fatalf("swept = %+v, want only pay-stale", swept)
	}

	kept, err := f.payments.Get(fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if kept.Status != domain.PaymentStatusPending {
		t.Fatalf("fresh payment status = %s, want pending", kept.Status)
	}
}
