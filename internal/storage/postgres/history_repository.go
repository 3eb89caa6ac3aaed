package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rentmarket/internal/domain"
)

type historyRepository struct {
	db *sql.DB
}

// NewHistoryRepository создаёт PostgreSQL-реализацию HistoryRepository.
func NewHistoryRepository(store *Store) domain.HistoryRepository {
	return &historyRepository{db: store.DB()}
}

func (r *historyRepository) Append(event domain.HistoryEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO order_history (order_id, type, old_status, new_status, actor, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		event.OrderID, event.Type,
		string(event.OldStatus), string(event.NewStatus),
		event.Actor, event.Reason, event.Occurred,
	); err != nil {
		return fmt.Errorf("append history event: %w", err)
	}

	return nil
}

func (r *historyRepository) List(orderID string) ([]domain.HistoryEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, type, old_status, new_status, actor, reason, occurred
		FROM order_history
		WHERE order_id = $1
		ORDER BY occurred ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list history events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.HistoryEvent, 0)
	for rows.Next() {
		var (
			event    domain.HistoryEvent
			oldState string
			newState string
		)
		if err := rows.Scan(
			&event.OrderID, &event.Type, &oldState, &newState,
			&event.Actor, &event.Reason, &event.Occurred,
		); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		event.OldStatus = domain.OrderStatus(oldState)
		event.NewStatus = domain.OrderStatus(newState)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history events: %w", err)
	}

	return events, nil
}

var _ domain.HistoryRepository = (*historyRepository)(nil)
