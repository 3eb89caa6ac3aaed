package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"rentmarket/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

// blockingStatusesSQL — статусы, удерживающие диапазон дат, в виде аргументов запроса.
func blockingStatusesSQL() []any {
	args := make([]any, 0, len(domain.BlockingStatuses))
	for _, s := range domain.BlockingStatuses {
		args = append(args, string(s))
	}
	return args
}

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_no, user_id, status, start_date, end_date,
			total_amount, deposit_amount, actual_return_date, remark,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		order.ID, order.OrderNo, order.UserID, string(order.Status),
		order.StartDate, order.EndDate,
		order.TotalAmount, order.DepositAmount,
		order.ActualReturnDate, order.Remark,
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	if err = r.insertItemsTx(ctx, tx, order); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}

	return nil
}

func (r *orderRepository) Get(id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order, err := r.getByColumn(ctx, "id", id)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) GetByNo(orderNo string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order, err := r.getByColumn(ctx, "order_no", orderNo)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) getByColumn(ctx context.Context, column, value string) (domain.Order, error) {
	query := fmt.Sprintf(`
		SELECT id, order_no, user_id, status, start_date, end_date,
		       total_amount, deposit_amount, actual_return_date, remark,
		       version, created_at, updated_at
		FROM orders
		WHERE %s = $1
	`, column)

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

func (r *orderRepository) ListByUser(userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT id, order_no, user_id, status, start_date, end_date,
		       total_amount, deposit_amount, actual_return_date, remark,
		       version, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}

		items, err := r.loadItems(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		order.Items = items
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) Save(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.saveTx(ctx, tx, order); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save order: %w", err)
	}

	return nil
}

func (r *orderRepository) FindBlocking(itemID string, start, end time.Time, excludeOrderID string) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ids, err := r.findBlockingIDs(ctx, r.db, itemID, start, end, excludeOrderID)
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		order, err := r.getByColumn(ctx, "id", id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// SaveWithConflictCheck атомарно пере-проверяет занятость дат по каждой позиции
// заказа и применяет optimistic UPDATE. Advisory-лок по item_id сериализует
// конкурирующие подтверждения одной и той же позиции: проигравший видит уже
// зафиксированный блокирующий заказ и получает *ConflictError.
func (r *orderRepository) SaveWithConflictCheck(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if order.Status.IsBlocking() {
		itemIDs := make([]string, 0, len(order.Items))
		for _, item := range order.Items {
			itemIDs = append(itemIDs, item.ItemID)
		}
		// Фиксированный порядок взятия локов исключает deadlock между
		// заказами с пересекающимися наборами позиций.
		sort.Strings(itemIDs)

		for _, itemID := range itemIDs {
			if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, itemID); err != nil {
				return fmt.Errorf("acquire item lock: %w", err)
			}
		}

		for _, itemID := range itemIDs {
			var blocking []string
			blocking, err = r.findBlockingIDs(ctx, tx, itemID, order.StartDate, order.EndDate, order.ID)
			if err != nil {
				return err
			}
			if len(blocking) > 0 {
				err = &domain.ConflictError{ItemID: itemID, BlockingOrderID: blocking[0]}
				return err
			}
		}
	}

	if err = r.saveTx(ctx, tx, order); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save order: %w", err)
	}

	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *orderRepository) findBlockingIDs(ctx context.Context, q queryer, itemID string, start, end time.Time, excludeOrderID string) ([]string, error) {
	// Диапазоны закрытые с обеих сторон: пересечение, когда start <= их end
	// и end >= их start.
	args := []any{itemID, start, end, excludeOrderID}
	placeholders := ""
	for i := range domain.BlockingStatuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", len(args)+i+1)
	}
	args = append(args, blockingStatusesSQL()...)

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT o.id
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE oi.item_id = $1
		  AND o.id <> $4
		  AND o.status IN (%s)
		  AND o.start_date <= $3
		  AND o.end_date >= $2
		ORDER BY o.id
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("find blocking orders: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocking order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocking orders: %w", err)
	}

	return ids, nil
}

func (r *orderRepository) saveTx(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    total_amount = $2,
		    deposit_amount = $3,
		    actual_return_date = $4,
		    remark = $5,
		    version = version + 1,
		    updated_at = $6
		WHERE id = $7
		  AND version = $8
	`,
		string(order.Status),
		order.TotalAmount,
		order.DepositAmount,
		order.ActualReturnDate,
		order.Remark,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExistsTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	return nil
}

func (r *orderRepository) insertItemsTx(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	for _, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, item_id, quantity, price_per_day, total_amount, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			item.ID, order.ID, item.ItemID, item.Quantity,
			item.PricePerDay, item.TotalAmount, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, item_id, quantity, price_per_day, total_amount, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.ItemID, &item.Quantity,
			&item.PricePerDay, &item.TotalAmount, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (r *orderRepository) orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order        domain.Order
		status       string
		actualReturn sql.NullTime
	)

	if err := row.Scan(
		&order.ID, &order.OrderNo, &order.UserID, &status,
		&order.StartDate, &order.EndDate,
		&order.TotalAmount, &order.DepositAmount,
		&actualReturn, &order.Remark,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	if actualReturn.Valid {
		t := actualReturn.Time.UTC()
		order.ActualReturnDate = &t
	}

	return order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
