package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source is the outbox source and consumer group of the payment service.
const Source = "payment"

// Flusher publishes staged outbox rows. *outbox.Relay implements it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

type Config struct {
	DefaultGateway string
	Timeout        time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultGateway: GatewayToss, Timeout: 10 * time.Second}
}

// Outcome of a payment attempt. Declined is set for business declines; the
// Payment is only present on success.
type Outcome struct {
	Payment  *db.Payment
	Declined bool
	Reason   string
	// Replayed is set when the order had already been paid.
	Replayed bool
}

type Service struct {
	db       *db.DB
	registry *Registry
	relay    Flusher
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(database *db.DB, registry *Registry, relay Flusher, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		db:       database,
		registry: registry,
		relay:    relay,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(zap.String("service", Source)),
	}
}

// WithClock replaces the time source used for event timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProcessPayment charges amount for an order through gatewayHint, or the
// default gateway when the hint is empty. An order that is already paid
// returns its existing payment.
func (s *Service) ProcessPayment(ctx context.Context, orderID int64, amount decimal.Decimal, gatewayHint string) (Outcome, error) {
	return s.process(ctx, orderID, amount, gatewayHint, nil)
}

// process charges and then persists the payment in one transaction together
// with whatever stage adds to it.
func (s *Service) process(ctx context.Context, orderID int64, amount decimal.Decimal, gatewayHint string, stage func(tx *db.Tx, out Outcome) error) (Outcome, error) {
	if !amount.IsPositive() {
		return Outcome{}, errs.Invalid("amount", "must be positive")
	}

	existing, err := s.db.GetPaymentByOrder(ctx, orderID)
	switch {
	case err == nil:
		out := Outcome{Payment: existing, Replayed: true}
		return out, s.commit(ctx, out, stage)
	case !errors.Is(err, db.ErrPaymentNotFound):
		return Outcome{}, err
	}

	id := gatewayHint
	if id == "" {
		id = s.cfg.DefaultGateway
	}
	gw, err := s.registry.Lookup(id)
	if err != nil {
		return Outcome{}, err
	}

	log := s.logger.With(zap.Int64("order_id", orderID), zap.String("gateway", gw.ID()))
	log.Info("💳 charging", zap.String("amount", amount.String()))

	chargeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	res, err := gw.Charge(chargeCtx, ChargeRequest{
		OrderID:       orderID,
		Amount:        amount,
		Method:        methodCard,
		CustomerName:  "Customer",
		CustomerEmail: "customer@example.com",
	})
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Error("❌ gateway error, treating as decline", zap.Error(err))
		out := Outcome{Declined: true, Reason: fmt.Sprintf("%s: %v", gw.ID(), err)}
		return out, s.commit(ctx, out, stage)
	}
	if !res.Success {
		log.Warn("⚠️ charge declined", zap.String("reason", res.Message))
		out := Outcome{Declined: true, Reason: res.Message}
		return out, s.commit(ctx, out, stage)
	}

	p := &db.Payment{
		OrderID:         orderID,
		PaymentID:       res.PaymentID,
		Gateway:         gw.ID(),
		PGTransactionID: res.PGTransactionID,
		Amount:          amount,
		Method:          methodCard,
	}
	out := Outcome{Payment: p}

	err = s.db.Transact(ctx, func(tx *db.Tx) error {
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		if stage != nil {
			return stage(tx, out)
		}
		return nil
	})
	if errors.Is(err, db.ErrDuplicate) {
		// lost a race with another charge for the same order; keep the first
		log.Warn("order already paid, voiding duplicate charge", zap.String("payment_id", res.PaymentID))
		if _, cerr := gw.Cancel(context.WithoutCancel(ctx), res.PaymentID); cerr != nil {
			log.Error("voiding duplicate charge failed", zap.Error(cerr))
		}
		return s.process(ctx, orderID, amount, gatewayHint, stage)
	}
	if err != nil {
		// nothing was recorded, so a redelivery would charge again
		log.Error("recording payment failed, voiding charge", zap.String("payment_id", res.PaymentID), zap.Error(err))
		if _, cerr := gw.Cancel(context.WithoutCancel(ctx), res.PaymentID); cerr != nil {
			log.Error("voiding charge failed", zap.Error(cerr))
		}
		return Outcome{}, err
	}

	log.Info("✅ payment completed", zap.String("payment_id", p.PaymentID), zap.String("pg_transaction_id", p.PGTransactionID))
	return out, nil
}

func (s *Service) commit(ctx context.Context, out Outcome, stage func(tx *db.Tx, out Outcome) error) error {
	if stage == nil {
		return nil
	}
	return s.db.Transact(ctx, func(tx *db.Tx) error {
		return stage(tx, out)
	})
}

// CancelPayment voids an order's payment through the gateway that charged
// it. Cancelling a cancelled payment is a no-op.
func (s *Service) CancelPayment(ctx context.Context, orderID int64) error {
	p, err := s.db.GetPaymentByOrder(ctx, orderID)
	if errors.Is(err, db.ErrPaymentNotFound) {
		return errs.NotFound("payment for order", orderID)
	}
	if err != nil {
		return err
	}
	if p.Status == fsm.PaymentStateCancelled {
		return nil
	}

	gw, err := s.registry.Lookup(p.Gateway)
	if err != nil {
		return err
	}

	log := s.logger.With(zap.Int64("order_id", orderID), zap.String("payment_id", p.PaymentID), zap.String("gateway", gw.ID()))
	log.Info("🔄 cancelling payment")

	cancelCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	res, err := gw.Cancel(cancelCtx, p.PaymentID)
	cancel()
	if err != nil {
		return fmt.Errorf("cancelling with %s: %w", gw.ID(), err)
	}
	if !res.Success {
		return fmt.Errorf("%s refused cancellation: %s", gw.ID(), res.Message)
	}

	err = s.db.CancelPayment(ctx, orderID)
	if errors.Is(err, db.ErrInvalidStateTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("✅ payment cancelled")
	return nil
}

// GetPayment returns an order's payment.
func (s *Service) GetPayment(ctx context.Context, orderID int64) (*db.Payment, error) {
	p, err := s.db.GetPaymentByOrder(ctx, orderID)
	if errors.Is(err, db.ErrPaymentNotFound) {
		return nil, errs.NotFound("payment for order", orderID)
	}
	return p, err
}

// GatewayStatus asks the charging gateway about an order's payment.
func (s *Service) GatewayStatus(ctx context.Context, orderID int64) (ChargeResult, error) {
	p, err := s.GetPayment(ctx, orderID)
	if err != nil {
		return ChargeResult{}, err
	}
	gw, err := s.registry.Lookup(p.Gateway)
	if err != nil {
		return ChargeResult{}, err
	}
	statusCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return gw.StatusOf(statusCtx, p.PaymentID)
}

func (s *Service) flush(ctx context.Context) {
	if s.relay == nil {
		return
	}
	if _, err := s.relay.Flush(ctx); err != nil {
		s.logger.Warn("outbox flush failed, relay will retry", zap.Error(err))
	}
}
