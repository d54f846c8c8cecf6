package order

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"go.uber.org/zap"
)

// Register adds the orchestrator's handlers to r.
func (o *Orchestrator) Register(r *events.Router) {
	events.On(r, o.OnInventoryReserved)
	events.On(r, o.OnInventoryReservationFailed)
	events.On(r, o.OnPaymentCompleted)
	events.On(r, o.OnPaymentFailed)
	events.On(r, o.OnDeliveryStarted)
	events.On(r, o.OnDeliveryCompleted)
	events.On(r, o.OnDeliveryFailed)
}

// EarlyEventError is returned for an event that reached the order before the
// statuses it may move the order from. It is transient so the consumer
// redelivers it once the preceding events have been applied.
type EarlyEventError struct {
	OrderID int64
	Kind    events.Kind
	Status  string
}

func (e *EarlyEventError) Error() string {
	return fmt.Sprintf("%s for order %d arrived while %s", e.Kind, e.OrderID, e.Status)
}

// early fails with an EarlyEventError when the order is still in one of
// the before statuses.
func early(ctx context.Context, tx *db.Tx, orderID int64, kind events.Kind, before ...string) error {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if slices.Contains(before, order.Status) {
		return &EarlyEventError{OrderID: orderID, Kind: kind, Status: order.Status}
	}
	return nil
}

type step struct {
	event string
	upd   db.OrderUpdate
}

type applied struct {
	order    *db.Order
	skipped  bool
	rejected bool
}

// apply runs steps against the order in one transaction with the dedupe
// record. A step the state machine rejects stops the run; rejected is called
// in its place and the event counts as handled. then runs after the last
// step succeeds.
func (o *Orchestrator) apply(ctx context.Context, env events.Envelope, orderID int64, steps []step,
	rejected func(tx *db.Tx) error, then func(tx *db.Tx, order *db.Order) error) (applied, error) {
	var res applied
	err := o.db.Transact(ctx, func(tx *db.Tx) error {
		first, err := tx.TryProcess(ctx, Source, env.ID, string(env.Kind))
		if err != nil {
			return err
		}
		if !first {
			res.skipped = true
			return nil
		}

		for _, s := range steps {
			res.order, err = tx.ApplyOrderEvent(ctx, orderID, s.event, s.upd)
			switch {
			case errors.Is(err, db.ErrOrderNotFound):
				return errs.NotFound("order", orderID)
			case errors.Is(err, db.ErrInvalidStateTransition):
				res.rejected = true
				if rejected != nil {
					return rejected(tx)
				}
				return nil
			case err != nil:
				return err
			}
		}
		if then != nil {
			return then(tx, res.order)
		}
		return nil
	})
	return res, err
}

func (o *Orchestrator) logApplied(log *zap.Logger, kind events.Kind, res applied, msg string) {
	switch {
	case res.skipped:
		log.Info(string(kind) + " already processed, skipping")
	case res.rejected:
		log.Info(string(kind) + " does not apply to the order's status, ignoring")
	default:
		log.Info(msg, zap.String("status", res.order.Status))
	}
}

func (o *Orchestrator) OnInventoryReserved(ctx context.Context, env events.Envelope, evt events.InventoryReserved) error {
	log := o.logger.With(zap.Int64("order_id", evt.OrderID))
	log.Info("📩 InventoryReserved received")

	res, err := o.apply(ctx, env, evt.OrderID, []step{{event: fsm.OrderEventReserveInventory}}, nil, nil)
	if err != nil {
		return err
	}
	o.logApplied(log, env.Kind, res, "✅ inventory reserved, awaiting payment")
	return nil
}

func (o *Orchestrator) OnInventoryReservationFailed(ctx context.Context, env events.Envelope, evt events.InventoryReservationFailed) error {
	log := o.logger.With(zap.Int64("order_id", evt.OrderID))
	log.Info("📩 InventoryReservationFailed received", zap.String("reason", evt.Reason))
	return o.cancel(ctx, log, env, evt.OrderID, evt.Reason)
}

func (o *Orchestrator) OnPaymentCompleted(ctx context.Context, env events.Envelope, evt events.PaymentCompleted) error {
	log := o.logger.With(zap.Int64("order_id", evt.OrderID), zap.String("payment_id", evt.PaymentID))
	log.Info("📩 PaymentCompleted received")

	res, err := o.apply(ctx, env, evt.OrderID,
		[]step{{event: fsm.OrderEventCompletePayment, upd: db.OrderUpdate{PaymentID: evt.PaymentID}}},
		func(tx *db.Tx) error {
			_, err := tx.FillOrderRefs(ctx, evt.OrderID, evt.PaymentID, "")
			return err
		}, nil)
	if err != nil {
		return err
	}
	o.logApplied(log, env.Kind, res, "✅ payment completed, awaiting delivery")
	return nil
}

// OnPaymentFailed cancels the order. Inventory consumes the same event and
// releases the stock.
func (o *Orchestrator) OnPaymentFailed(ctx context.Context, env events.Envelope, evt events.PaymentFailed) error {
	log := o.logger.With(zap.Int64("order_id", evt.OrderID))
	log.Info("📩 PaymentFailed received", zap.String("reason", evt.Reason))
	return o.cancel(ctx, log, env, evt.OrderID, evt.Reason)
}

func (o *Orchestrator) cancel(ctx context.Context, log *zap.Logger, env events.Envelope, orderID int64, reason string) error {
	res, err := o.apply(ctx, env, orderID,
		[]step{{event: fsm.OrderEventCancel, upd: db.OrderUpdate{CancellationReason: reason}}},
		nil,
		func(tx *db.Tx, order *db.Order) error {
			at := o.now().UTC()
			out, err := events.NewAt(events.OrderCancelled{
				OrderID:     order.ID,
				UserID:      order.UserID,
				Reason:      reason,
				CancelledAt: at,
			}, at)
			if err != nil {
				return err
			}
			return outbox.Write(ctx, tx, Source, out)
		})
	if err != nil {
		return err
	}
	o.logApplied(log, env.Kind, res, "❌ saga failed, order cancelled")
	if !res.skipped && !res.rejected {
		o.flush(ctx)
	}
	return nil
}

func (o *Orchestrator) OnDeliveryStarted(ctx context.Context, env events.Envelope, evt events.DeliveryStarted) error {
	log := o.logger.With(zap.Int64("order_id", evt.OrderID), zap.String("delivery_id", evt.DeliveryID))
	log.Info("📩 DeliveryStarted received", zap.String("carrier", evt.Carrier))

	res, err := o.apply(ctx, env, evt.OrderID,
		[]step{{event: fsm.OrderEventStartDelivery, upd: db.OrderUpdate{DeliveryID: evt.DeliveryID}}},
		func(tx *db.Tx) error {
			if err := early(ctx, tx, evt.OrderID, env.Kind, fsm.OrderStatePending); err != nil {
				return err
			}
			_, err := tx.FillOrderRefs(ctx, evt.OrderID, "", evt.DeliveryID)
			return err
		}, nil)
	if err != nil {
		return err
	}
	o.logApplied(log, env.Kind, res, "🚚 delivery started")
	return nil
}

// OnDeliveryCompleted finishes the saga: DELIVERED then COMPLETED, and
// OrderCompleted goes out.
func (o *Orchestrator) OnDeliveryCompleted(ctx context.Context, env events.Envelope, evt events.DeliveryCompleted) error {
	log := o.logger.With(zap.Int64("order_id", evt.OrderID), zap.String("delivery_id", evt.DeliveryID))
	log.Info("📩 DeliveryCompleted received")

	res, err := o.apply(ctx, env, evt.OrderID,
		[]step{
			{event: fsm.OrderEventDeliver, upd: db.OrderUpdate{DeliveryID: evt.DeliveryID}},
			{event: fsm.OrderEventComplete},
		},
		func(tx *db.Tx) error {
			return early(ctx, tx, evt.OrderID, env.Kind, fsm.OrderStatePending, fsm.OrderStateInventoryReserved)
		},
		func(tx *db.Tx, order *db.Order) error {
			at := o.now().UTC()
			out, err := events.NewAt(events.OrderCompleted{
				OrderID:     order.ID,
				UserID:      order.UserID,
				ProductName: order.ProductName,
				Quantity:    order.Quantity,
				PaymentID:   order.PaymentID.String,
				CompletedAt: at,
			}, at)
			if err != nil {
				return err
			}
			return outbox.Write(ctx, tx, Source, out)
		})
	if err != nil {
		return err
	}
	o.logApplied(log, env.Kind, res, "✅ saga complete, order fulfilled")
	if !res.skipped && !res.rejected {
		o.flush(ctx)
	}
	return nil
}

// OnDeliveryFailed leaves the order in DELIVERY_STARTED for customer support.
// The payment is not refunded automatically.
func (o *Orchestrator) OnDeliveryFailed(ctx context.Context, env events.Envelope, evt events.DeliveryFailed) error {
	o.logger.Warn("⚠️ delivery failed, customer support follow-up required",
		zap.Int64("order_id", evt.OrderID),
		zap.String("delivery_id", evt.DeliveryID),
		zap.String("reason", evt.Reason))
	return nil
}
