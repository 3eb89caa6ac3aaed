package memory_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

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

func makeOrder(id, itemID string, status domain.OrderStatus, start, end string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
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
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := makeOrder("order-1", "item-1", domain.OrderStatusPending, "2024-01-01", "2024-01-04")

	if err := repo.Create(order); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(order); err == nil {
		t.Fatal("duplicate create must fail")
	}

	got, err := repo.Get("order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OrderNo != order.OrderNo || len(got.Items) != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	byNo, err := repo.GetByNo(order.OrderNo)
	if err != nil || byNo.ID != "order-1" {
		t.Fatalf("get by no: %v %+v", err, byNo)
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := makeOrder("order-1", "item-1", domain.OrderStatusPending, "2024-01-01", "2024-01-04")
	if err := repo.Create(order); err != nil {
		t.Fatalf("create: %v", err)
	}

	order.Status = domain.OrderStatusConfirmed
	if err := repo.Save(order); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Сохранение с устаревшей версией должно падать.
	order.Status = domain.OrderStatusPaid
	if err := repo.Save(order); !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestOrderRepository_SaveWithConflictCheck_Race(t *testing.T) {
	repo := memory.NewOrderRepository()

	// Два pending-заказа на одну позицию и пересекающиеся даты.
	first := makeOrder("order-1", "item-1", domain.OrderStatusPending, "2024-01-01", "2024-01-04")
	second := makeOrder("order-2", "item-1", domain.OrderStatusPending, "2024-01-03", "2024-01-06")
	if err := repo.Create(first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := repo.Create(second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	// Конкурентное подтверждение: ровно один должен выиграть.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, order := range []domain.Order{first, second} {
		wg.Add(1)
		go func(i int, order domain.Order) {
			defer wg.Done()
			order.Status = domain.OrderStatusConfirmed
			errs[i] = repo.SaveWithConflictCheck(order)
		}(i, order)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("loser must get ConflictError, got %v", err)
		}
		if conflict.ItemID != "item-1" {
			t.Fatalf("conflict must name the item, got %+v", conflict)
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one order must win the slot, got %d", winners)
	}
}

func TestOrderRepository_SaveWithConflictCheck_ExcludesSelf(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := makeOrder("order-1", "item-1", domain.OrderStatusConfirmed, "2024-01-01", "2024-01-04")
	if err := repo.Create(order); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Заказ не должен конфликтовать сам с собой при переходе confirmed → paid.
	order.Status = domain.OrderStatusPaid
	if err := repo.SaveWithConflictCheck(order); err != nil {
		t.Fatalf("own order must not conflict with itself: %v", err)
	}
}

func TestOrderRepository_ListByUser(t *testing.T) {
	repo := memory.NewOrderRepository()
	for _, id := range []string{"order-1", "order-2", "order-3"} {
		order := makeOrder(id, "item-"+id, domain.OrderStatusPending, "2024-01-01", "2024-01-04")
		if id == "order-3" {
			order.UserID = "user-2"
		}
		if err := repo.Create(order); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	orders, err := repo.ListByUser("user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders for user-1, got %d", len(orders))
	}

	limited, err := repo.ListByUser("user-1", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: got %d orders", len(limited))
	}
}
