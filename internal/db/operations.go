package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/shopspring/decimal"
)

var (
	orderSM       = fsm.NewOrderStateMachine()
	reservationSM = fsm.NewReservationStateMachine()
)

// ErrInsufficientInventory indicates not enough stock for a reservation.
var ErrInsufficientInventory = errors.New("insufficient inventory")

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrProductNotFound indicates no inventory row exists for the product.
var ErrProductNotFound = errors.New("product not found")

// ErrReservationNotFound indicates no reservation exists for the order.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrInvalidStateTransition indicates an invalid state transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrDuplicate indicates a unique constraint rejected the write.
var ErrDuplicate = errors.New("duplicate record")

// Order is the saga's order aggregate.
type Order struct {
	ID                 int64           `db:"id"`
	UserID             int64           `db:"user_id"`
	ProductID          int64           `db:"product_id"`
	ProductName        string          `db:"product_name"`
	Quantity           int             `db:"quantity"`
	UnitPrice          decimal.Decimal `db:"unit_price"`
	TotalPrice         decimal.Decimal `db:"total_price"`
	Gateway            string          `db:"gateway"`
	Status             string          `db:"status"`
	PaymentID          sql.NullString  `db:"payment_id"`
	DeliveryID         sql.NullString  `db:"delivery_id"`
	CancellationReason sql.NullString  `db:"cancellation_reason"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// NewOrder holds the fields needed to place an order.
type NewOrder struct {
	UserID      int64           `db:"user_id"`
	ProductID   int64           `db:"product_id"`
	ProductName string          `db:"product_name"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	TotalPrice  decimal.Decimal `db:"total_price"`
	Gateway     string          `db:"gateway"`
}

// OrderUpdate carries optional fields written alongside a status change.
// Empty strings leave the column untouched.
type OrderUpdate struct {
	PaymentID          string
	DeliveryID         string
	CancellationReason string
}

// Inventory is the stock counter for one product.
type Inventory struct {
	ProductID   int64     `db:"product_id"`
	ProductName string    `db:"product_name"`
	Quantity    int       `db:"quantity"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Reservation records the stock granted to one order.
type Reservation struct {
	OrderID   int64     `db:"order_id"`
	ProductID int64     `db:"product_id"`
	Quantity  int       `db:"quantity"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const orderColumns = `id, user_id, product_id, product_name, quantity, unit_price, total_price, gateway,
	status, payment_id, delivery_id, cancellation_reason, created_at, updated_at`

// CreateOrder inserts an order in PENDING and records the first history entry.
func (q *Queries) CreateOrder(ctx context.Context, o NewOrder) (*Order, error) {
	result, err := q.q.ExecContext(ctx, `
		INSERT INTO orders (user_id, product_id, product_name, quantity, unit_price, total_price, gateway, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.UserID, o.ProductID, o.ProductName, o.Quantity, o.UnitPrice, o.TotalPrice, o.Gateway, fsm.OrderStatePending)
	if err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting order id: %w", err)
	}

	if err := q.recordStatus(ctx, id, fsm.OrderStatePending); err != nil {
		return nil, err
	}

	return q.GetOrder(ctx, id)
}

// GetOrder returns an order by ID.
func (q *Queries) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	err := q.q.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return &o, nil
}

// ListOrders returns the most recent orders first.
func (q *Queries) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	var orders []Order
	err := q.q.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	return orders, nil
}

// ApplyOrderEvent fires event on the order state machine and persists the
// resulting status with a compare-and-set on the current status. Events the
// machine rejects return ErrInvalidStateTransition and change nothing.
func (q *Queries) ApplyOrderEvent(ctx context.Context, orderID int64, event string, upd OrderUpdate) (*Order, error) {
	order, err := q.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next, err := orderSM.Transition(ctx, order.Status, event)
	if err != nil {
		return nil, fmt.Errorf("%w: %s + %s: %v", ErrInvalidStateTransition, order.Status, event, err)
	}

	result, err := q.q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
			payment_id = COALESCE(NULLIF(?, ''), payment_id),
			delivery_id = COALESCE(NULLIF(?, ''), delivery_id),
			cancellation_reason = COALESCE(NULLIF(?, ''), cancellation_reason),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, next, upd.PaymentID, upd.DeliveryID, upd.CancellationReason, orderID, order.Status)
	if err != nil {
		return nil, fmt.Errorf("updating order status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: order state changed concurrently", ErrInvalidStateTransition)
	}

	if err := q.recordStatus(ctx, orderID, next); err != nil {
		return nil, err
	}

	return q.GetOrder(ctx, orderID)
}

// FillOrderRefs sets payment and delivery ids that are still missing, without
// touching the status. Late events use it when the order has already moved on.
func (q *Queries) FillOrderRefs(ctx context.Context, orderID int64, paymentID, deliveryID string) (bool, error) {
	result, err := q.q.ExecContext(ctx, `
		UPDATE orders
		SET payment_id = COALESCE(payment_id, NULLIF(?, '')),
			delivery_id = COALESCE(delivery_id, NULLIF(?, '')),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
			AND ((payment_id IS NULL AND ? <> '') OR (delivery_id IS NULL AND ? <> ''))
	`, paymentID, deliveryID, orderID, paymentID, deliveryID)
	if err != nil {
		return false, fmt.Errorf("filling order refs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// OrderStatusHistory returns the statuses an order has visited, oldest first.
func (q *Queries) OrderStatusHistory(ctx context.Context, orderID int64) ([]string, error) {
	var statuses []string
	err := q.q.SelectContext(ctx, &statuses, `
		SELECT status FROM order_status_history WHERE order_id = ? ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying order history: %w", err)
	}
	return statuses, nil
}

func (q *Queries) recordStatus(ctx context.Context, orderID int64, status string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status) VALUES (?, ?)
	`, orderID, status)
	if err != nil {
		return fmt.Errorf("recording order status: %w", err)
	}
	return nil
}

// SetStock creates or overwrites the stock counter for a product.
func (q *Queries) SetStock(ctx context.Context, productID int64, productName string, quantity int) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO inventory (product_id, product_name, quantity)
		VALUES (?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			product_name = CASE WHEN excluded.product_name = '' THEN inventory.product_name ELSE excluded.product_name END,
			quantity = excluded.quantity,
			updated_at = CURRENT_TIMESTAMP
	`, productID, productName, quantity)
	if err != nil {
		return fmt.Errorf("setting stock: %w", err)
	}
	return nil
}

// GetInventory returns the stock counter for a product.
func (q *Queries) GetInventory(ctx context.Context, productID int64) (*Inventory, error) {
	var inv Inventory
	err := q.q.GetContext(ctx, &inv, `
		SELECT product_id, product_name, quantity, updated_at FROM inventory WHERE product_id = ?
	`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying inventory: %w", err)
	}
	return &inv, nil
}

// ListInventory returns every stock counter ordered by product.
func (q *Queries) ListInventory(ctx context.Context) ([]Inventory, error) {
	var items []Inventory
	err := q.q.SelectContext(ctx, &items, `
		SELECT product_id, product_name, quantity, updated_at FROM inventory ORDER BY product_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying inventory: %w", err)
	}
	return items, nil
}

// DeductStock decrements stock by count. Returns ErrInsufficientInventory if not enough.
func (q *Queries) DeductStock(ctx context.Context, productID int64, count int) error {
	result, err := q.q.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity - ?, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ? AND quantity >= ?
	`, count, productID, count)
	if err != nil {
		return fmt.Errorf("deducting stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := q.GetInventory(ctx, productID); err != nil {
			return err
		}
		return ErrInsufficientInventory
	}
	return nil
}

// RestoreStock increments stock by count.
func (q *Queries) RestoreStock(ctx context.Context, productID int64, count int) error {
	result, err := q.q.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity + ?, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ?
	`, count, productID)
	if err != nil {
		return fmt.Errorf("restoring stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

// GetReservation returns the reservation held by an order.
func (q *Queries) GetReservation(ctx context.Context, orderID int64) (*Reservation, error) {
	var r Reservation
	err := q.q.GetContext(ctx, &r, `
		SELECT order_id, product_id, quantity, status, created_at, updated_at
		FROM reservations WHERE order_id = ?
	`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying reservation: %w", err)
	}
	return &r, nil
}

// CreateReservation records stock granted to an order. An order reserves at most once.
func (q *Queries) CreateReservation(ctx context.Context, orderID, productID int64, quantity int) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO reservations (order_id, product_id, quantity, status) VALUES (?, ?, ?, ?)
	`, orderID, productID, quantity, fsm.ReservationStateReserved)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("creating reservation: %w", err)
	}
	return nil
}

// ReleaseReservation marks an order's reservation released and returns it.
// It reports false when the reservation was already released.
func (q *Queries) ReleaseReservation(ctx context.Context, orderID int64) (*Reservation, bool, error) {
	r, err := q.GetReservation(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if !reservationSM.CanRelease(r.Status) {
		return r, false, nil
	}

	result, err := q.q.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE order_id = ? AND status = ?
	`, fsm.ReservationStateReleased, orderID, fsm.ReservationStateReserved)
	if err != nil {
		return nil, false, fmt.Errorf("releasing reservation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("checking rows affected: %w", err)
	}
	r.Status = fsm.ReservationStateReleased
	return r, rows > 0, nil
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	// SQLite unique constraint error contains "UNIQUE constraint failed"
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
