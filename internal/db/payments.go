package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/shopspring/decimal"
)

var paymentSM = fsm.NewPaymentStateMachine()

// ErrPaymentNotFound indicates no payment exists for the order.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment is a successful charge. Declined charges leave no record.
type Payment struct {
	ID              int64           `db:"id"`
	OrderID         int64           `db:"order_id"`
	PaymentID       string          `db:"payment_id"`
	Gateway         string          `db:"gateway"`
	PGTransactionID string          `db:"pg_transaction_id"`
	Amount          decimal.Decimal `db:"amount"`
	Method          string          `db:"method"`
	Status          string          `db:"status"`
	PaidAt          time.Time       `db:"paid_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

const paymentColumns = `id, order_id, payment_id, gateway, pg_transaction_id, amount, method, status, paid_at, updated_at`

// CreatePayment records a completed charge. Returns ErrDuplicate if the order already has one.
func (q *Queries) CreatePayment(ctx context.Context, p *Payment) error {
	p.Status = fsm.PaymentStateCompleted
	result, err := q.q.NamedExecContext(ctx, `
		INSERT INTO payments (order_id, payment_id, gateway, pg_transaction_id, amount, method, status)
		VALUES (:order_id, :payment_id, :gateway, :pg_transaction_id, :amount, :method, :status)
	`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("creating payment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting payment id: %w", err)
	}
	p.ID = id
	return nil
}

// GetPaymentByOrder returns the payment made for an order.
func (q *Queries) GetPaymentByOrder(ctx context.Context, orderID int64) (*Payment, error) {
	var p Payment
	err := q.q.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE order_id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying payment: %w", err)
	}
	return &p, nil
}

// CancelPayment marks a completed payment cancelled.
func (q *Queries) CancelPayment(ctx context.Context, orderID int64) error {
	p, err := q.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !paymentSM.CanTransition(p.Status, fsm.PaymentEventCancel) {
		return fmt.Errorf("%w: payment is %s", ErrInvalidStateTransition, p.Status)
	}

	result, err := q.q.ExecContext(ctx, `
		UPDATE payments SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE order_id = ? AND status = ?
	`, fsm.PaymentStateCancelled, orderID, fsm.PaymentStateCompleted)
	if err != nil {
		return fmt.Errorf("cancelling payment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: payment state changed concurrently", ErrInvalidStateTransition)
	}
	return nil
}
