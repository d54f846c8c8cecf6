// Package app assembles the saga services for one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/config"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/delivery"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/inventory"
	"github.com/buildtall-systems/ordersaga/internal/lock"
	"github.com/buildtall-systems/ordersaga/internal/notification"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"github.com/buildtall-systems/ordersaga/internal/payment"
	"github.com/buildtall-systems/ordersaga/internal/retry"
	"github.com/buildtall-systems/ordersaga/internal/scheduler"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Options configures New. Only Config, DB and Logger are required.
type Options struct {
	Config *config.Config
	DB     *db.DB
	Logger *zap.Logger

	// Publisher and Subscriber carry events. Without a Publisher the services
	// only stage events in the outbox and a running process relays them.
	Publisher  bus.Publisher
	Subscriber bus.Subscriber

	// Locker guards inventory. Defaults to the driver named by lock.driver.
	Locker lock.Locker

	Clock        func() time.Time
	PaymentRand  payment.Rand
	DeliveryRand delivery.Rand
}

// App holds every service. Services are always built; Run starts consumers
// and background loops only for the services the config enables.
type App struct {
	cfg    *config.Config
	db     *db.DB
	sub    bus.Subscriber
	logger *zap.Logger

	Orders        *order.Orchestrator
	Inventory     *inventory.Service
	Payments      *payment.Service
	Deliveries    *delivery.Service
	Scheduler     *scheduler.Scheduler
	Notifications *notification.Sink

	relays    map[string]*outbox.Relay
	consumers []*bus.Consumer
}

func New(opts Options) (*App, error) {
	if opts.Config == nil || opts.DB == nil || opts.Logger == nil {
		return nil, errors.New("app: config, database and logger are required")
	}
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PaymentRand == nil {
		opts.PaymentRand = payment.DefaultRand()
	}
	if opts.Locker == nil {
		opts.Locker = newLocker(cfg.Lock, opts.DB)
	}

	a := &App{
		cfg:    cfg,
		db:     opts.DB,
		sub:    opts.Subscriber,
		logger: opts.Logger,
		relays: make(map[string]*outbox.Relay),
	}

	flusher := func(source string) outboxFlusher {
		if opts.Publisher == nil {
			return nil
		}
		r := outbox.NewRelay(opts.DB, source, opts.Publisher, opts.Logger)
		a.relays[source] = r
		return r
	}

	catalog, _, err := products(cfg.Products)
	if err != nil {
		return nil, err
	}

	policy := retryPolicy(cfg.Retry)

	registry := payment.NewRegistry(
		payment.NewTossPayments(cfg.Payment.SuccessRates[payment.GatewayToss], opts.PaymentRand),
		payment.NewNaverPay(cfg.Payment.SuccessRates[payment.GatewayNaver], opts.PaymentRand),
		payment.NewKakaoPay(cfg.Payment.SuccessRates[payment.GatewayKakao], opts.PaymentRand),
	)
	if _, err := registry.Lookup(cfg.Payment.DefaultGateway); err != nil {
		return nil, fmt.Errorf("payment.default_gateway: %w", err)
	}

	a.Orders = order.NewOrchestrator(opts.DB, catalog, flusher(order.Source), opts.Logger).
		WithClock(opts.Clock).
		WithGateways(registry.IDs()...)

	a.Inventory = inventory.NewService(opts.DB, opts.Locker, flusher(inventory.Source),
		inventory.Config{LockWait: cfg.Lock.Wait, LockLease: cfg.Lock.Lease}, opts.Logger).
		WithClock(opts.Clock)

	a.Payments = payment.NewService(opts.DB, registry, flusher(payment.Source),
		payment.Config{DefaultGateway: cfg.Payment.DefaultGateway, Timeout: cfg.Payment.Timeout}, opts.Logger).
		WithClock(opts.Clock)

	a.Deliveries = delivery.NewService(opts.DB, flusher(delivery.Source), delivery.Config{
		TransitDelay:       cfg.Delivery.TransitDelay,
		CompletionDelay:    cfg.Delivery.CompletionDelay,
		FailureProbability: cfg.Delivery.FailureProbability,
		Address:            cfg.Delivery.Address,
		Carriers:           cfg.Delivery.Carriers,
	}, opts.DeliveryRand, opts.Logger).WithClock(opts.Clock)

	a.Scheduler = scheduler.New(opts.DB, policy, opts.Logger).WithClock(opts.Clock)
	a.Deliveries.RegisterTasks(a.Scheduler)

	a.Notifications = notification.NewSink(notification.NewLogNotifier(opts.Logger))

	a.consumers = a.buildConsumers(policy)
	return a, nil
}

type outboxFlusher interface {
	Flush(ctx context.Context) (int, error)
}

func newLocker(c config.LockConfig, database *db.DB) lock.Locker {
	if c.Driver == "local" {
		return lock.NewLocalLocker()
	}
	return lock.NewSQLLocker(database)
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

func (a *App) buildConsumers(policy retry.Policy) []*bus.Consumer {
	var out []*bus.Consumer
	add := func(service string, register func(*events.Router), opts ...bus.ConsumerOption) {
		if !a.cfg.Runs(service) {
			return
		}
		r := events.NewRouter()
		register(r)
		opts = append([]bus.ConsumerOption{bus.WithPolicy(policy)}, opts...)
		out = append(out, bus.NewConsumer(service, r, a.db, a.logger, opts...))
	}

	add(config.ServiceOrder, a.Orders.Register)
	// compensation must eventually succeed
	add(config.ServiceInventory, a.Inventory.Register,
		bus.WithKindPolicy(events.KindPaymentFailed, policy.Unbounded()))
	add(config.ServicePayment, a.Payments.Register)
	add(config.ServiceDelivery, a.Deliveries.Register)
	add(config.ServiceNotification, a.Notifications.Register)
	return out
}

// Consumers lists the consumers Run subscribes.
func (a *App) Consumers() []*bus.Consumer {
	return a.consumers
}

// Seed loads the configured starting stock into an empty inventory.
func (a *App) Seed(ctx context.Context) (bool, error) {
	_, stock, err := products(a.cfg.Products)
	if err != nil {
		return false, err
	}
	return a.Inventory.Seed(ctx, stock)
}

// Flush publishes every staged outbox row.
func (a *App) Flush(ctx context.Context) error {
	var err error
	for _, r := range a.relays {
		_, ferr := r.Flush(ctx)
		err = errors.Join(err, ferr)
	}
	return err
}

// Run subscribes the enabled consumers and runs the outbox relays and the
// delivery scheduler until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.sub == nil {
		return errors.New("app: no subscriber configured")
	}

	p := pool.New().WithErrors().WithContext(ctx)
	for _, c := range a.consumers {
		p.Go(func(ctx context.Context) error {
			a.logger.Info("👂 consumer started", zap.String("group", c.Group()), zap.Strings("topics", c.Topics()))
			if err := c.Run(ctx, a.sub); err != nil {
				return fmt.Errorf("consumer %s: %w", c.Group(), err)
			}
			return nil
		})
	}
	for source, r := range a.relays {
		if !a.cfg.Runs(source) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			return r.Run(ctx, a.cfg.Outbox.PollInterval)
		})
	}
	if a.cfg.Runs(config.ServiceDelivery) {
		p.Go(func(ctx context.Context) error {
			return a.Scheduler.Run(ctx, a.cfg.Delivery.SweepInterval)
		})
	}

	a.logger.Info("🚀 ordersaga running", zap.Strings("services", a.cfg.Services))
	return p.Wait()
}
