package availability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rentmarket/internal/availability"
	"rentmarket/internal/domain"
	"rentmarket/internal/storage/memory"
)

func date(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name                           string
		aStart, aEnd, bStart, bEnd     string
		want                           bool
	}{
		{name: "identical", aStart: "2024-01-01", aEnd: "2024-01-04", bStart: "2024-01-01", bEnd: "2024-01-04", want: true},
		{name: "nested", aStart: "2024-01-01", aEnd: "2024-01-10", bStart: "2024-01-03", bEnd: "2024-01-05", want: true},
		{name: "partial left", aStart: "2024-01-01", aEnd: "2024-01-04", bStart: "2024-01-03", bEnd: "2024-01-08", want: true},
		{name: "touching edges block", aStart: "2024-01-01", aEnd: "2024-01-04", bStart: "2024-01-04", bEnd: "2024-01-08", want: true},
		{name: "disjoint after", aStart: "2024-01-01", aEnd: "2024-01-04", bStart: "2024-01-05", bEnd: "2024-01-08", want: false},
		{name: "disjoint before", aStart: "2024-01-05", aEnd: "2024-01-08", bStart: "2024-01-01", bEnd: "2024-01-04", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := availability.Overlaps(date(tc.aStart), date(tc.aEnd), date(tc.bStart), date(tc.bEnd))
			if got != tc.want {
				t.Fatalf("Overlaps = %v, want %v", got, tc.want)
			}
		})
	}
}

func seedOrder(t *testing.T, repo domain.OrderRepository, id, itemID string, status domain.OrderStatus, start, end string) {
	t.Helper()
	now := time.Now().UTC()
	order := domain.Order{
		ID:          id,
		OrderNo:     domain.NewOrderNo(now),
		UserID:      "user-1",
		Status:      status,
		StartDate:   date(start),
		EndDate:     date(end),
		TotalAmount: decimal.RequireFromString("300.00"),
		Items: []domain.OrderItem{{
			ID:          id + "-line",
			OrderID:     id,
			ItemID:      itemID,
			Quantity:    1,
			PricePerDay: decimal.RequireFromString("100.00"),
			TotalAmount: decimal.RequireFromString("300.00"),
			CreatedAt:   now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(order); err != nil {
		t.Fatalf("seed order %s: %v", id, err)
	}
}

func TestChecker_HasConflict(t *testing.T) {
	repo := memory.NewOrderRepository()
	checker := availability.NewChecker(repo)

	seedOrder(t, repo, "order-confirmed", "item-1", domain.OrderStatusConfirmed, "2024-01-05", "2024-01-10")
	seedOrder(t, repo, "order-pending", "item-1", domain.OrderStatusPending, "2024-01-01", "2024-01-04")
	seedOrder(t, repo, "order-cancelled", "item-1", domain.OrderStatusCancelled, "2024-01-01", "2024-01-04")
	seedOrder(t, repo, "order-returned", "item-2", domain.OrderStatusReturned, "2024-01-05", "2024-01-10")

	// Пересечение с confirmed блокирует.
	got, err := checker.HasConflict("item-1", date("2024-01-08"), date("2024-01-12"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatal("expected conflict with confirmed order")
	}

	// PENDING и терминальные статусы не блокируют.
	got, err = checker.HasConflict("item-1", date("2024-01-01"), date("2024-01-04"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal("pending/cancelled orders must not block")
	}

	got, err = checker.HasConflict("item-2", date("2024-01-05"), date("2024-01-10"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal("returned order must not block")
	}

	// excludeOrderID не учитывает сам заказ при пере-проверке.
	got, err = checker.HasConflict("item-1", date("2024-01-05"), date("2024-01-10"), "order-confirmed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal("own order must be excluded from recheck")
	}
}

func TestChecker_CheckItems_FailsFastWithItemID(t *testing.T) {
	repo := memory.NewOrderRepository()
	checker := availability.NewChecker(repo)

	seedOrder(t, repo, "order-busy", "item-2", domain.OrderStatusPaid, "2024-02-01", "2024-02-10")

	items := []domain.OrderItem{
		{ItemID: "item-1", Quantity: 1},
		{ItemID: "item-2", Quantity: 1},
		{ItemID: "item-3", Quantity: 1},
	}
	err := checker.CheckItems(items, date("2024-02-05"), date("2024-02-07"), "")
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ItemID != "item-2" {
		t.Fatalf("conflict item = %s, want item-2", conflict.ItemID)
	}
	if conflict.BlockingOrderID != "order-busy" {
		t.Fatalf("blocking order = %s, want order-busy", conflict.BlockingOrderID)
	}
}
