package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"rentmarket/internal/domain"
)

type financeRepository struct {
	db *sql.DB
}

// NewFinanceRepository создаёт PostgreSQL-реализацию FinanceRepository.
// Журнал append-only: репозиторий не предоставляет ни update, ни delete.
func NewFinanceRepository(store *Store) domain.FinanceRepository {
	return &financeRepository{db: store.DB()}
}

func (r *financeRepository) Create(record domain.FinanceRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO finance_records (
			id, record_no, order_id, payment_id, type, category,
			amount, description, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		record.ID, record.RecordNo, record.OrderID, record.PaymentID,
		string(record.Type), record.Category, record.Amount,
		record.Description, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert finance record: %w", err)
	}

	return nil
}

func (r *financeRepository) ListByOrder(orderID string) ([]domain.FinanceRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_no, order_id, payment_id, type, category,
		       amount, description, created_at
		FROM finance_records
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list finance records: %w", err)
	}
	defer rows.Close()

	return collectFinanceRecords(rows)
}

func (r *financeRepository) List(limit int) ([]domain.FinanceRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT id, record_no, order_id, payment_id, type, category,
		       amount, description, created_at
		FROM finance_records
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $1", limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list finance records: %w", err)
	}
	defer rows.Close()

	return collectFinanceRecords(rows)
}

func collectFinanceRecords(rows *sql.Rows) ([]domain.FinanceRecord, error) {
	records := make([]domain.FinanceRecord, 0)
	for rows.Next() {
		var (
			record  domain.FinanceRecord
			rawType string
		)
		if err := rows.Scan(
			&record.ID, &record.RecordNo, &record.OrderID, &record.PaymentID,
			&rawType, &record.Category, &record.Amount,
			&record.Description, &record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan finance record: %w", err)
		}
		record.Type = domain.FinanceType(rawType)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finance records: %w", err)
	}
	return records, nil
}

var _ domain.FinanceRepository = (*financeRepository)(nil)
