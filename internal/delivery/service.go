// Package delivery ships paid orders. The pipeline is two delayed steps run
// by the scheduler: start moves a delivery in transit, finish completes it
// or records a failed hand-over.
package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"github.com/buildtall-systems/ordersaga/internal/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source is the outbox source and consumer group of the delivery service.
const Source = "delivery"

// Scheduled task kinds.
const (
	TaskStart  = "delivery.start"
	TaskFinish = "delivery.finish"
)

const reasonRefused = "recipient refused"

// DefaultCarriers are the carriers a delivery is assigned from.
var DefaultCarriers = []string{"CJ Logistics", "Hanjin Express", "Logen", "Korea Post"}

// DefaultAddress is used for every shipment; orders carry no address.
const DefaultAddress = "123 Teheran-ro, Gangnam-gu, Seoul"

type Config struct {
	TransitDelay       time.Duration
	CompletionDelay    time.Duration
	FailureProbability float64
	Address            string
	Carriers           []string
}

func DefaultConfig() Config {
	return Config{
		TransitDelay:       3 * time.Second,
		CompletionDelay:    5 * time.Second,
		FailureProbability: 0.05,
		Address:            DefaultAddress,
		Carriers:           DefaultCarriers,
	}
}

// Rand picks carriers and decides failed hand-overs.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// Flusher publishes staged outbox rows. *outbox.Relay implements it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// TaskRegistrar is satisfied by *scheduler.Scheduler.
type TaskRegistrar interface {
	Handle(kind string, fn scheduler.TaskFunc)
}

type Service struct {
	db     *db.DB
	relay  Flusher
	cfg    Config
	rnd    Rand
	now    func() time.Time
	logger *zap.Logger
}

// NewService builds the service. A nil rnd uses the global source.
func NewService(database *db.DB, relay Flusher, cfg Config, rnd Rand, logger *zap.Logger) *Service {
	if rnd == nil {
		rnd = globalRand{}
	}
	if len(cfg.Carriers) == 0 {
		cfg.Carriers = DefaultCarriers
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	return &Service{
		db:     database,
		relay:  relay,
		cfg:    cfg,
		rnd:    rnd,
		now:    time.Now,
		logger: logger.With(zap.String("service", Source)),
	}
}

// WithClock replaces the time source used for due times and event timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// NewDeliveryID returns a tracking number of the form DEL-xxxxxxxx.
func NewDeliveryID() string {
	return "DEL-" + uuid.NewString()[:8]
}

// PrepareDelivery creates the order's delivery in PREPARING and schedules
// its start. An order that already has a delivery gets it back unchanged.
func (s *Service) PrepareDelivery(ctx context.Context, orderID int64) (*db.Delivery, error) {
	var d *db.Delivery
	err := s.db.Transact(ctx, func(tx *db.Tx) error {
		var err error
		d, _, err = s.prepareTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) prepareTx(ctx context.Context, tx *db.Tx, orderID int64) (*db.Delivery, bool, error) {
	existing, err := tx.GetDeliveryByOrder(ctx, orderID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, db.ErrDeliveryNotFound):
		return nil, false, err
	}

	d := &db.Delivery{
		OrderID:    orderID,
		DeliveryID: NewDeliveryID(),
		Address:    s.cfg.Address,
		Carrier:    s.cfg.Carriers[s.rnd.IntN(len(s.cfg.Carriers))],
	}
	if err := tx.CreateDelivery(ctx, d); err != nil {
		return nil, false, err
	}
	if _, err := tx.ScheduleTask(ctx, TaskStart, d.ID, s.now().Add(s.cfg.TransitDelay)); err != nil {
		return nil, false, err
	}

	s.logger.Info("📦 delivery prepared",
		zap.Int64("order_id", orderID),
		zap.String("delivery_id", d.DeliveryID),
		zap.String("carrier", d.Carrier))
	return d, true, nil
}

// GetDelivery returns an order's delivery.
func (s *Service) GetDelivery(ctx context.Context, orderID int64) (*db.Delivery, error) {
	d, err := s.db.GetDeliveryByOrder(ctx, orderID)
	if errors.Is(err, db.ErrDeliveryNotFound) {
		return nil, errs.NotFound("delivery for order", orderID)
	}
	return d, err
}

// RegisterTasks adds the pipeline steps to the scheduler.
func (s *Service) RegisterTasks(r TaskRegistrar) {
	r.Handle(TaskStart, s.startTask)
	r.Handle(TaskFinish, s.finishTask)
}

func (s *Service) startTask(ctx context.Context, task db.ScheduledTask) error {
	var d *db.Delivery
	err := s.db.Transact(ctx, func(tx *db.Tx) error {
		var err error
		d, err = s.advance(ctx, tx, task.RefID, fsm.DeliveryEventStart, "")
		if err != nil || d == nil {
			return err
		}

		startedAt := s.now().UTC()
		env, err := events.NewAt(events.DeliveryStarted{
			OrderID:    d.OrderID,
			DeliveryID: d.DeliveryID,
			Address:    d.Address,
			Carrier:    d.Carrier,
			StartedAt:  startedAt,
		}, startedAt)
		if err != nil {
			return err
		}
		if err := outbox.Write(ctx, tx, Source, env); err != nil {
			return err
		}
		_, err = tx.ScheduleTask(ctx, TaskFinish, d.ID, s.now().Add(s.cfg.CompletionDelay))
		return err
	})
	if err != nil {
		return err
	}
	if d != nil {
		s.logger.Info("🚚 delivery in transit",
			zap.Int64("order_id", d.OrderID),
			zap.String("delivery_id", d.DeliveryID),
			zap.String("carrier", d.Carrier))
		s.flush(ctx)
	}
	return nil
}

func (s *Service) finishTask(ctx context.Context, task db.ScheduledTask) error {
	failed := s.rnd.Float64() < s.cfg.FailureProbability

	event, reason := fsm.DeliveryEventDeliver, ""
	if failed {
		event, reason = fsm.DeliveryEventFail, reasonRefused
	}

	var d *db.Delivery
	err := s.db.Transact(ctx, func(tx *db.Tx) error {
		var err error
		d, err = s.advance(ctx, tx, task.RefID, event, reason)
		if err != nil || d == nil {
			return err
		}

		at := s.now().UTC()
		var out events.Payload
		if failed {
			out = events.DeliveryFailed{OrderID: d.OrderID, DeliveryID: d.DeliveryID, Reason: reason, FailedAt: at}
		} else {
			out = events.DeliveryCompleted{OrderID: d.OrderID, DeliveryID: d.DeliveryID, CompletedAt: at}
		}
		env, err := events.NewAt(out, at)
		if err != nil {
			return err
		}
		return outbox.Write(ctx, tx, Source, env)
	})
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}

	log := s.logger.With(zap.Int64("order_id", d.OrderID), zap.String("delivery_id", d.DeliveryID))
	if failed {
		log.Warn("❌ delivery failed", zap.String("reason", reason))
	} else {
		log.Info("✅ delivery completed")
	}
	s.flush(ctx)
	return nil
}

// advance moves a delivery along. A nil delivery with no error means the
// step had already been applied by an earlier run of the same task.
func (s *Service) advance(ctx context.Context, tx *db.Tx, id int64, event, reason string) (*db.Delivery, error) {
	d, err := tx.AdvanceDelivery(ctx, id, event, reason)
	switch {
	case errors.Is(err, db.ErrDeliveryNotFound):
		return nil, errs.NotFound("delivery", id)
	case errors.Is(err, db.ErrInvalidStateTransition):
		s.logger.Info("delivery step already applied, skipping",
			zap.Int64("delivery", id), zap.String("event", event))
		return nil, nil
	case err != nil:
		return nil, err
	}
	return d, nil
}

func (s *Service) flush(ctx context.Context) {
	if s.relay == nil {
		return
	}
	if _, err := s.relay.Flush(ctx); err != nil {
		s.logger.Warn("outbox flush failed, relay will retry", zap.Error(err))
	}
}
