// Package order owns the order aggregate and orchestrates the saga: it
// publishes OrderCreated and advances the order as the other services
// report back.
package order

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source is the outbox source and consumer group of the order service.
const Source = "order"

// Flusher publishes staged outbox rows. *outbox.Relay implements it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

type CreateOrderRequest struct {
	UserID    int64
	ProductID int64
	Quantity  int
	// UnitPrice may be zero when the catalog knows the product.
	UnitPrice   decimal.Decimal
	ProductName string
	// Gateway is an optional payment gateway hint.
	Gateway string
}

type Orchestrator struct {
	db      *db.DB
	catalog Catalog
	relay   Flusher
	now     func() time.Time
	logger  *zap.Logger

	// gateways accepted as a hint. Empty accepts any.
	gateways []string
}

// NewOrchestrator builds the orchestrator. catalog may be nil.
func NewOrchestrator(database *db.DB, catalog Catalog, relay Flusher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:      database,
		catalog: catalog,
		relay:   relay,
		now:     time.Now,
		logger:  logger.With(zap.String("service", Source)),
	}
}

// WithClock replaces the time source used for event timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithGateways restricts the gateway hint to ids.
func (o *Orchestrator) WithGateways(ids ...string) *Orchestrator {
	o.gateways = ids
	return o
}

// CreateOrder stores a PENDING order and publishes OrderCreated, which
// starts the saga.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*db.Order, error) {
	if err := o.resolve(ctx, &req); err != nil {
		return nil, err
	}
	req.Gateway = strings.ToUpper(strings.TrimSpace(req.Gateway))
	if err := validate(req, o.gateways); err != nil {
		return nil, err
	}

	total := req.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))

	var order *db.Order
	err := o.db.Transact(ctx, func(tx *db.Tx) error {
		var err error
		order, err = tx.CreateOrder(ctx, db.NewOrder{
			UserID:      req.UserID,
			ProductID:   req.ProductID,
			ProductName: req.ProductName,
			Quantity:    req.Quantity,
			UnitPrice:   req.UnitPrice,
			TotalPrice:  total,
			Gateway:     req.Gateway,
		})
		if err != nil {
			return err
		}

		createdAt := o.now().UTC()
		env, err := events.NewAt(events.OrderCreated{
			OrderID:     order.ID,
			UserID:      order.UserID,
			ProductID:   order.ProductID,
			ProductName: order.ProductName,
			Quantity:    order.Quantity,
			UnitPrice:   order.UnitPrice,
			TotalPrice:  order.TotalPrice,
			Gateway:     order.Gateway,
			CreatedAt:   createdAt,
		}, createdAt)
		if err != nil {
			return err
		}
		return outbox.Write(ctx, tx, Source, env)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("📤 order created, saga started",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", order.ProductID),
		zap.Int("quantity", order.Quantity),
		zap.String("total_price", order.TotalPrice.String()))
	o.flush(ctx)
	return order, nil
}

func (o *Orchestrator) resolve(ctx context.Context, req *CreateOrderRequest) error {
	if o.catalog == nil || (req.ProductName != "" && !req.UnitPrice.IsZero()) {
		return nil
	}
	p, ok, err := o.catalog.Product(ctx, req.ProductID)
	if err != nil {
		return fmt.Errorf("looking up product %d: %w", req.ProductID, err)
	}
	if !ok {
		return nil
	}
	if req.ProductName == "" {
		req.ProductName = p.Name
	}
	if req.UnitPrice.IsZero() {
		req.UnitPrice = p.Price
	}
	return nil
}

func validate(req CreateOrderRequest, gateways []string) error {
	switch {
	case req.UserID <= 0:
		return errs.Invalid("userId", "must be positive")
	case req.ProductID <= 0:
		return errs.Invalid("productId", "must be positive")
	case req.Quantity <= 0:
		return errs.Invalid("quantity", "must be positive")
	case !req.UnitPrice.IsPositive():
		return errs.Invalid("unitPrice", "must be positive")
	case req.Gateway != "" && len(gateways) > 0 && !slices.Contains(gateways, req.Gateway):
		return errs.Invalid("gateway", "must be one of "+strings.Join(gateways, ", "))
	}
	return nil
}

// GetOrder returns an order by id.
func (o *Orchestrator) GetOrder(ctx context.Context, id int64) (*db.Order, error) {
	order, err := o.db.GetOrder(ctx, id)
	if errors.Is(err, db.ErrOrderNotFound) {
		return nil, errs.NotFound("order", id)
	}
	return order, err
}

// ListOrders returns the most recent orders first.
func (o *Orchestrator) ListOrders(ctx context.Context, limit int) ([]db.Order, error) {
	return o.db.ListOrders(ctx, limit)
}

// History returns the statuses an order has visited, oldest first.
func (o *Orchestrator) History(ctx context.Context, id int64) ([]string, error) {
	if _, err := o.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return o.db.OrderStatusHistory(ctx, id)
}

func (o *Orchestrator) flush(ctx context.Context) {
	if o.relay == nil {
		return
	}
	if _, err := o.relay.Flush(ctx); err != nil {
		o.logger.Warn("outbox flush failed, relay will retry", zap.Error(err))
	}
}
