package delivery

import (
	"context"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"go.uber.org/zap"
)

// Register adds the delivery handlers to r.
func (s *Service) Register(r *events.Router) {
	events.On(r, s.OnPaymentCompleted)
}

// OnPaymentCompleted prepares the order's delivery. The pipeline continues
// from the scheduler.
func (s *Service) OnPaymentCompleted(ctx context.Context, env events.Envelope, evt events.PaymentCompleted) error {
	log := s.logger.With(zap.Int64("order_id", evt.OrderID))
	log.Info("📩 PaymentCompleted received, preparing delivery", zap.String("payment_id", evt.PaymentID))

	var (
		d       *db.Delivery
		created bool
		skipped bool
	)
	err := s.db.Transact(ctx, func(tx *db.Tx) error {
		first, err := tx.TryProcess(ctx, Source, env.ID, string(env.Kind))
		if err != nil {
			return err
		}
		if !first {
			skipped = true
			return nil
		}
		d, created, err = s.prepareTx(ctx, tx, evt.OrderID)
		return err
	})
	if err != nil {
		return err
	}

	switch {
	case skipped:
		log.Info("PaymentCompleted already processed, skipping")
	case !created:
		log.Info("delivery already exists", zap.String("delivery_id", d.DeliveryID))
	}
	return nil
}
