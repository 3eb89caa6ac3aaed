package postgres

import (
	"errors"
	"testing"
	"time"

	"rentmarket/internal/domain"
)

func enqueueOutboxMessage(t *testing.T, repo domain.OutboxRepository, msg domain.OutboxMessage) domain.OutboxMessage {
	t.Helper()

	stored, err := repo.Enqueue(msg)
	if err != nil {
		t.Fatalf("enqueue outbox message: %v", err)
	}
	return stored
}

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	statusMsg := enqueueOutboxMessage(t, repo, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     "order.status_changed",
		Payload:       []byte(`{"id":"order-1"}`),
	})
	if statusMsg.ID == "" {
		t.Fatal("expected generated id for outbox message")
	}

	paymentMsg := enqueueOutboxMessage(t, repo, domain.OutboxMessage{
		ID:            "outbox-fixed-id",
		AggregateType: "order",
		AggregateID:   "order-2",
		EventType:     "payment.succeeded",
		Payload:       []byte(`{"id":"order-2"}`),
	})
	if paymentMsg.ID != "outbox-fixed-id" {
		t.Fatalf("expected fixed id, got %q", paymentMsg.ID)
	}

	// limit <= 0 включает дефолтный размер выборки.
	pending, err := repo.PullPending(0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending messages, got %d", len(pending))
	}
	if pending[0].ID != statusMsg.ID {
		t.Fatalf("expected oldest message first, got %q", pending[0].ID)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats before marks: %v", err)
	}
	if stats.PendingCount != 2 {
		t.Fatalf("expected pending=2 before marks, got %d", stats.PendingCount)
	}
	if stats.OldestPendingAt.IsZero() {
		t.Fatal("expected oldest pending timestamp")
	}

	if err := repo.MarkSent(statusMsg.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(paymentMsg.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	after, err := repo.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending after marks: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected no pending after marks, got %d", len(after))
	}

	stats, err = repo.Stats()
	if err != nil {
		t.Fatalf("stats after marks: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected pending=0 after marks, got %d", stats.PendingCount)
	}
}

func TestOutboxRepository_PostgresPullLimit(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	for i := 0; i < 3; i++ {
		enqueueOutboxMessage(t, repo, domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   "order-limit",
			EventType:     "order.status_changed",
			Payload:       []byte(`{}`),
		})
	}

	pending, err := repo.PullPending(2)
	if err != nil {
		t.Fatalf("pull pending with limit: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 messages with limit=2, got %d", len(pending))
	}
}

func TestOutboxRepository_PostgresMissingRows(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	if err := repo.MarkSent("missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on mark sent missing id, got %v", err)
	}
	if err := repo.MarkFailed("missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on mark failed missing id, got %v", err)
	}
}

func TestOutboxRepository_PostgresOldestPendingAdvances(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	first := enqueueOutboxMessage(t, repo, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-old",
		EventType:     "order.status_changed",
		Payload:       []byte(`{"id":"order-old"}`),
	})

	time.Sleep(5 * time.Millisecond)

	enqueueOutboxMessage(t, repo, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-new",
		EventType:     "order.status_changed",
		Payload:       []byte(`{"id":"order-new"}`),
	})

	before, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if before.PendingCount != 2 || before.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats before mark: %+v", before)
	}

	if err := repo.MarkSent(first.ID); err != nil {
		t.Fatalf("mark sent first: %v", err)
	}

	after, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats after mark: %v", err)
	}
	if after.PendingCount != 1 {
		t.Fatalf("expected pending=1 after mark, got %d", after.PendingCount)
	}
	if after.OldestPendingAt.Before(before.OldestPendingAt) {
		t.Fatalf("oldest pending must advance: before=%s after=%s", before.OldestPendingAt, after.OldestPendingAt)
	}
}
