package inventory

import (
	"context"
	"errors"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"go.uber.org/zap"
)

const (
	reasonInsufficientStock = "insufficient stock"
	reasonUnknownProduct    = "product not found"
)

// Register adds the inventory handlers to r.
func (s *Service) Register(r *events.Router) {
	events.On(r, s.OnOrderCreated)
	events.On(r, s.OnPaymentFailed)
}

// OnOrderCreated reserves stock and answers with InventoryReserved or
// InventoryReservationFailed.
func (s *Service) OnOrderCreated(ctx context.Context, env events.Envelope, evt events.OrderCreated) error {
	log := s.logger.With(zap.Int64("order_id", evt.OrderID), zap.Int64("product_id", evt.ProductID))
	log.Info("📩 OrderCreated received", zap.Int("quantity", evt.Quantity))

	var (
		res     ReserveResult
		skipped bool
	)
	err := s.locked(ctx, evt.ProductID, func(tx *db.Tx) error {
		first, err := tx.TryProcess(ctx, Source, env.ID, string(env.Kind))
		if err != nil {
			return err
		}
		if !first {
			skipped = true
			return nil
		}

		var out events.Payload
		res, err = s.reserveTx(ctx, tx, evt.OrderID, evt.ProductID, evt.Quantity)
		var nf *errs.NotFoundError
		switch {
		case errors.As(err, &nf):
			out = s.reservationFailed(evt, 0, reasonUnknownProduct)
		case err != nil:
			return err
		case res.Reserved:
			out = events.InventoryReserved{
				OrderID:     evt.OrderID,
				ProductID:   evt.ProductID,
				ProductName: evt.ProductName,
				Quantity:    evt.Quantity,
				TotalPrice:  evt.TotalPrice,
				Gateway:     evt.Gateway,
				ReservedAt:  s.now().UTC(),
			}
		default:
			out = s.reservationFailed(evt, res.Available, reasonInsufficientStock)
		}

		outEnv, err := events.NewAt(out, s.now().UTC())
		if err != nil {
			return err
		}
		return outbox.Write(ctx, tx, Source, outEnv)
	})
	if err != nil {
		return err
	}

	switch {
	case skipped:
		log.Info("OrderCreated already processed, skipping")
	case res.Reserved:
		log.Info("✅ inventory reserved", zap.Int("remaining", res.Available))
	default:
		log.Warn("⚠️ reservation rejected", zap.Int("requested", evt.Quantity), zap.Int("available", res.Available))
	}

	s.flush(ctx)
	return nil
}

func (s *Service) reservationFailed(evt events.OrderCreated, available int, reason string) events.InventoryReservationFailed {
	return events.InventoryReservationFailed{
		OrderID:           evt.OrderID,
		ProductID:         evt.ProductID,
		RequestedQuantity: evt.Quantity,
		AvailableQuantity: available,
		Reason:            reason,
		FailedAt:          s.now().UTC(),
	}
}

// OnPaymentFailed is the compensation step: the order's stock goes back.
func (s *Service) OnPaymentFailed(ctx context.Context, env events.Envelope, evt events.PaymentFailed) error {
	log := s.logger.With(zap.Int64("order_id", evt.OrderID), zap.Int64("product_id", evt.ProductID))
	log.Info("🔄 PaymentFailed received, releasing stock", zap.String("reason", evt.Reason))

	var released, skipped bool
	err := s.locked(ctx, evt.ProductID, func(tx *db.Tx) error {
		first, err := tx.TryProcess(ctx, Source, env.ID, string(env.Kind))
		if err != nil {
			return err
		}
		if !first {
			skipped = true
			return nil
		}
		released, err = s.releaseTx(ctx, tx, evt.OrderID, evt.Quantity)
		return err
	})
	if err != nil {
		return err
	}

	switch {
	case skipped:
		log.Info("PaymentFailed already processed, skipping")
	case released:
		log.Info("✅ compensation complete, stock restored", zap.Int("quantity", evt.Quantity))
	default:
		log.Info("nothing to release")
	}
	return nil
}
