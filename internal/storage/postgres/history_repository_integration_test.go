package postgres

import (
	"testing"
	"time"

	"rentmarket/internal/domain"
)

func TestHistoryRepository_PostgresAppendAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orderRepo := NewOrderRepository(store)
	historyRepo := NewHistoryRepository(store)

	createdAt := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)
	order := sampleOrder("history-order", "R-2024-0300", "user-history", createdAt)
	if err := orderRepo.Create(order); err != nil {
		t.Fatalf("create order for history: %v", err)
	}

	// Zero occurred should be auto-filled.
	if err := historyRepo.Append(domain.HistoryEvent{
		OrderID:   order.ID,
		Type:      "order.created",
		NewStatus: domain.OrderStatusPending,
		Actor:     "user-history",
	}); err != nil {
		t.Fatalf("append history event with zero occurred: %v", err)
	}

	explicitOccurred := createdAt.Add(10 * time.Second)
	if err := historyRepo.Append(domain.HistoryEvent{
		OrderID:   order.ID,
		Type:      "order.status_changed",
		OldStatus: domain.OrderStatusPending,
		NewStatus: domain.OrderStatusConfirmed,
		Actor:     "auditor-1",
		Reason:    "audit passed",
		Occurred:  explicitOccurred,
	}); err != nil {
		t.Fatalf("append history event with explicit occurred: %v", err)
	}

	events, err := historyRepo.List(order.ID)
	if err != nil {
		t.Fatalf("list history events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(events))
	}
	if events[0].Occurred.After(events[1].Occurred) {
		t.Fatalf("events should be sorted by occurred asc: %+v", events)
	}
	if events[1].OldStatus != domain.OrderStatusPending || events[1].NewStatus != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected statuses in event: %+v", events[1])
	}
	if events[1].Actor != "auditor-1" || events[1].Reason != "audit passed" {
		t.Fatalf("unexpected actor/reason: %+v", events[1])
	}
}

func TestHistoryRepository_PostgresEmptyOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	historyRepo := NewHistoryRepository(store)

	events, err := historyRepo.List("missing-order")
	if err != nil {
		t.Fatalf("list for missing order should not fail: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for missing order, got %d", len(events))
	}
}
