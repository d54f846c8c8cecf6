package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/fsm"
)

var deliverySM = fsm.NewDeliveryStateMachine()

// ErrDeliveryNotFound indicates delivery does not exist.
var ErrDeliveryNotFound = errors.New("delivery not found")

type Delivery struct {
	ID            int64          `db:"id"`
	OrderID       int64          `db:"order_id"`
	DeliveryID    string         `db:"delivery_id"`
	Address       string         `db:"address"`
	Carrier       string         `db:"carrier"`
	Status        string         `db:"status"`
	StartedAt     sql.NullTime   `db:"started_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	FailureReason sql.NullString `db:"failure_reason"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const deliveryColumns = `id, order_id, delivery_id, address, carrier, status, started_at, completed_at,
	failure_reason, created_at, updated_at`

// CreateDelivery inserts a delivery in PREPARING. Returns ErrDuplicate if the
// order already has one.
func (q *Queries) CreateDelivery(ctx context.Context, d *Delivery) error {
	d.Status = fsm.DeliveryStatePreparing
	result, err := q.q.NamedExecContext(ctx, `
		INSERT INTO deliveries (order_id, delivery_id, address, carrier, status)
		VALUES (:order_id, :delivery_id, :address, :carrier, :status)
	`, d)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("creating delivery: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting delivery id: %w", err)
	}
	d.ID = id
	return nil
}

// GetDelivery returns a delivery by its row ID.
func (q *Queries) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	var d Delivery
	err := q.q.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return &d, nil
}

// GetDeliveryByOrder returns the delivery for an order.
func (q *Queries) GetDeliveryByOrder(ctx context.Context, orderID int64) (*Delivery, error) {
	var d Delivery
	err := q.q.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM deliveries WHERE order_id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return &d, nil
}

// AdvanceDelivery fires event on the delivery state machine and persists the
// new status. Timestamps and the failure reason follow the destination state.
func (q *Queries) AdvanceDelivery(ctx context.Context, id int64, event, failureReason string) (*Delivery, error) {
	d, err := q.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := deliverySM.Transition(ctx, d.Status, event)
	if err != nil {
		return nil, fmt.Errorf("%w: %s + %s: %v", ErrInvalidStateTransition, d.Status, event, err)
	}

	var stamp string
	switch next {
	case fsm.DeliveryStateInTransit:
		stamp = `started_at = CURRENT_TIMESTAMP,`
	case fsm.DeliveryStateDelivered:
		stamp = `completed_at = CURRENT_TIMESTAMP,`
	}

	result, err := q.q.ExecContext(ctx, `
		UPDATE deliveries
		SET status = ?, `+stamp+`
			failure_reason = COALESCE(NULLIF(?, ''), failure_reason),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, next, failureReason, id, d.Status)
	if err != nil {
		return nil, fmt.Errorf("updating delivery: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: delivery state changed concurrently", ErrInvalidStateTransition)
	}

	return q.GetDelivery(ctx, id)
}
