package payment

import (
	"context"
	"errors"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"go.uber.org/zap"
)

var errAlreadyProcessed = errors.New("event already processed")

// Register adds the payment handlers to r.
func (s *Service) Register(r *events.Router) {
	events.On(r, s.OnInventoryReserved)
}

// OnInventoryReserved charges the order and answers with PaymentCompleted
// or PaymentFailed.
func (s *Service) OnInventoryReserved(ctx context.Context, env events.Envelope, evt events.InventoryReserved) error {
	log := s.logger.With(zap.Int64("order_id", evt.OrderID))
	log.Info("📩 InventoryReserved received, starting payment")

	done, err := s.db.IsProcessed(ctx, Source, env.ID)
	if err != nil {
		return err
	}
	if done {
		log.Info("InventoryReserved already processed, skipping")
		return nil
	}

	stage := func(tx *db.Tx, out Outcome) error {
		first, err := tx.TryProcess(ctx, Source, env.ID, string(env.Kind))
		if err != nil {
			return err
		}
		if !first {
			return errAlreadyProcessed
		}

		var reply events.Payload
		if out.Declined {
			reply = events.PaymentFailed{
				OrderID:   evt.OrderID,
				ProductID: evt.ProductID,
				Quantity:  evt.Quantity,
				Reason:    out.Reason,
				FailedAt:  s.now().UTC(),
			}
		} else {
			reply = events.PaymentCompleted{
				OrderID:       evt.OrderID,
				PaymentID:     out.Payment.PaymentID,
				Amount:        out.Payment.Amount,
				PaymentMethod: out.Payment.Method,
				CompletedAt:   s.now().UTC(),
			}
		}
		replyEnv, err := events.NewAt(reply, s.now().UTC())
		if err != nil {
			return err
		}
		return outbox.Write(ctx, tx, Source, replyEnv)
	}

	out, err := s.process(ctx, evt.OrderID, evt.TotalPrice, evt.Gateway, stage)
	var unsupported *errs.UnsupportedGatewayError
	if errors.As(err, &unsupported) && evt.Gateway != "" {
		// a bad hint belongs to this order only; decline so inventory compensates
		out = Outcome{Declined: true, Reason: unsupported.Error()}
		err = s.commit(ctx, out, stage)
	}
	if errors.Is(err, errAlreadyProcessed) {
		log.Info("InventoryReserved already processed, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	if out.Declined {
		log.Warn("⚠️ payment failed, compensation requested", zap.String("reason", out.Reason))
	} else {
		log.Info("📤 payment completed", zap.String("payment_id", out.Payment.PaymentID))
	}
	s.flush(ctx)
	return nil
}
