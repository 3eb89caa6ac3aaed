package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rentmarket/internal/domain"
)

const paymentColumns = `
	id, payment_no, order_id, amount, method, type, status,
	external_txn_id, refunded_amount, refund_of_id, created_at, updated_at
`

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func (r *paymentRepository) Create(payment domain.Payment) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, payment_no, order_id, amount, method, type, status,
			external_txn_id, refunded_amount, refund_of_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		payment.ID, payment.PaymentNo, payment.OrderID, payment.Amount,
		string(payment.Method), string(payment.Type), string(payment.Status),
		payment.ExternalTxnID, payment.RefundedAmount, payment.RefundOfID,
		payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	return nil
}

func (r *paymentRepository) Get(id string) (domain.Payment, error) {
	return r.getByColumn("id", id)
}

func (r *paymentRepository) GetByNo(paymentNo string) (domain.Payment, error) {
	return r.getByColumn("payment_no", paymentNo)
}

func (r *paymentRepository) GetByExternalTxnID(txnID string) (domain.Payment, error) {
	return r.getByColumn("external_txn_id", txnID)
}

func (r *paymentRepository) getByColumn(column, value string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM payments WHERE %s = $1`, paymentColumns, column)

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}

	return payment, nil
}

func (r *paymentRepository) ListByOrder(orderID string) ([]domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, paymentColumns), orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

func (r *paymentRepository) Save(payment domain.Payment) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET amount = $1,
		    method = $2,
		    type = $3,
		    status = $4,
		    external_txn_id = $5,
		    refunded_amount = $6,
		    refund_of_id = $7,
		    updated_at = $8
		WHERE id = $9
	`,
		payment.Amount, string(payment.Method), string(payment.Type),
		string(payment.Status), payment.ExternalTxnID, payment.RefundedAmount,
		payment.RefundOfID, time.Now().UTC(), payment.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentNotFound
	}

	return nil
}

// ConfirmSuccess атомарно переводит pending-платёж в success одним условным
// UPDATE. Ноль затронутых строк означает повтор callback либо платёж в
// неподходящем статусе — разбираем по фактическому состоянию строки.
func (r *paymentRepository) ConfirmSuccess(paymentNo, externalTxnID string) (domain.Payment, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE payments
		SET status = $2,
		    external_txn_id = $3,
		    updated_at = $4
		WHERE payment_no = $1
		  AND status = $5
		RETURNING %s
	`, paymentColumns),
		paymentNo,
		string(domain.PaymentStatusSuccess),
		externalTxnID,
		time.Now().UTC(),
		string(domain.PaymentStatusPending),
	)

	payment, err := scanPayment(row)
	if err == nil {
		return payment, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Payment{}, false, fmt.Errorf("confirm payment: %w", err)
	}

	// Переход не применился: платёж отсутствует или уже не pending.
	payment, err = r.getByColumn("payment_no", paymentNo)
	if err != nil {
		return domain.Payment{}, false, err
	}
	if payment.Status == domain.PaymentStatusSuccess {
		return payment, false, nil
	}
	return payment, false, domain.ErrPaymentNotPending
}

// AddRefund увеличивает RefundedAmount, не допуская превышения успешно
// оплаченной суммы. Условие в UPDATE делает проверку атомарной.
func (r *paymentRepository) AddRefund(paymentID string, amount decimal.Decimal) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE payments
		SET refunded_amount = refunded_amount + $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = $4
		  AND amount - refunded_amount >= $2
		RETURNING %s
	`, paymentColumns),
		paymentID, amount, time.Now().UTC(), string(domain.PaymentStatusSuccess),
	)

	payment, err := scanPayment(row)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Payment{}, fmt.Errorf("add refund: %w", err)
	}

	payment, err = r.getByColumn("id", paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return payment, &domain.RefundExceedsPaidError{
		PaymentID: paymentID,
		Requested: amount,
		Available: payment.Refundable(),
	}
}

func (r *paymentRepository) ListStalePending(before time.Time) ([]domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM payments
		WHERE status = $1
		  AND created_at < $2
		ORDER BY created_at ASC, id ASC
	`, paymentColumns), string(domain.PaymentStatusPending), before)
	if err != nil {
		return nil, fmt.Errorf("list stale pending payments: %w", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

func collectPayments(rows *sql.Rows) ([]domain.Payment, error) {
	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return payments, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		payment              domain.Payment
		method, ptype, state string
	)

	if err := row.Scan(
		&payment.ID, &payment.PaymentNo, &payment.OrderID, &payment.Amount,
		&method, &ptype, &state,
		&payment.ExternalTxnID, &payment.RefundedAmount, &payment.RefundOfID,
		&payment.CreatedAt, &payment.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}

	payment.Method = domain.PaymentMethod(method)
	payment.Type = domain.PaymentType(ptype)
	payment.Status = domain.PaymentStatus(state)

	return payment, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
