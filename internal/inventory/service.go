// Package inventory owns stock counters and the per-order reservations
// taken against them.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/lock"
	"go.uber.org/zap"
)

// Source is the outbox source and consumer group of the inventory service.
const Source = "inventory"

// Flusher publishes staged outbox rows. *outbox.Relay implements it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

type Config struct {
	LockWait  time.Duration
	LockLease time.Duration
}

func DefaultConfig() Config {
	return Config{LockWait: 5 * time.Second, LockLease: 3 * time.Second}
}

// ReserveResult is the outcome of a reservation attempt. A shortage is not
// an error: Reserved is false and Available holds the stock left.
type ReserveResult struct {
	Reserved  bool
	Available int
	// Replayed is set when the order already held a reservation.
	Replayed bool
}

// StockItem is one product's starting stock.
type StockItem struct {
	ProductID int64
	Name      string
	Quantity  int
}

type Service struct {
	db     *db.DB
	locker lock.Locker
	relay  Flusher
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewService(database *db.DB, locker lock.Locker, relay Flusher, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		db:     database,
		locker: locker,
		relay:  relay,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("service", Source)),
	}
}

// WithClock replaces the time source used for event timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// LockKey is the lock guarding a product's stock.
func LockKey(productID int64) string {
	return fmt.Sprintf("inventory:lock:%d", productID)
}

// locked runs fn in a transaction while holding the product's lock.
func (s *Service) locked(ctx context.Context, productID int64, fn func(tx *db.Tx) error) error {
	return lock.WithLock(ctx, s.locker, LockKey(productID), s.cfg.LockWait, s.cfg.LockLease, func(ctx context.Context) error {
		return s.db.Transact(ctx, fn)
	})
}

// Reserve takes quantity units of a product for an order. Calling it again
// for the same order returns the original grant without touching stock.
func (s *Service) Reserve(ctx context.Context, orderID, productID int64, quantity int) (ReserveResult, error) {
	if quantity <= 0 {
		return ReserveResult{}, errs.Invalid("quantity", "must be positive")
	}

	var res ReserveResult
	err := s.locked(ctx, productID, func(tx *db.Tx) error {
		var err error
		res, err = s.reserveTx(ctx, tx, orderID, productID, quantity)
		return err
	})
	if err != nil {
		return ReserveResult{}, err
	}
	return res, nil
}

func (s *Service) reserveTx(ctx context.Context, tx *db.Tx, orderID, productID int64, quantity int) (ReserveResult, error) {
	if _, err := tx.GetReservation(ctx, orderID); err == nil {
		inv, err := tx.GetInventory(ctx, productID)
		if err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Reserved: true, Available: inv.Quantity, Replayed: true}, nil
	} else if !errors.Is(err, db.ErrReservationNotFound) {
		return ReserveResult{}, err
	}

	err := tx.DeductStock(ctx, productID, quantity)
	switch {
	case errors.Is(err, db.ErrProductNotFound):
		return ReserveResult{}, errs.NotFound("product", productID)
	case errors.Is(err, db.ErrInsufficientInventory):
		inv, err := tx.GetInventory(ctx, productID)
		if err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Reserved: false, Available: inv.Quantity}, nil
	case err != nil:
		return ReserveResult{}, err
	}

	if err := tx.CreateReservation(ctx, orderID, productID, quantity); err != nil {
		return ReserveResult{}, err
	}

	inv, err := tx.GetInventory(ctx, productID)
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{Reserved: true, Available: inv.Quantity}, nil
}

// Release returns an order's reserved stock. It reports false when there
// was nothing to release: no reservation, or one already released.
func (s *Service) Release(ctx context.Context, orderID, productID int64, quantity int) (bool, error) {
	var released bool
	err := s.locked(ctx, productID, func(tx *db.Tx) error {
		var err error
		released, err = s.releaseTx(ctx, tx, orderID, quantity)
		return err
	})
	return released, err
}

func (s *Service) releaseTx(ctx context.Context, tx *db.Tx, orderID int64, quantity int) (bool, error) {
	r, released, err := tx.ReleaseReservation(ctx, orderID)
	if errors.Is(err, db.ErrReservationNotFound) {
		s.logger.Info("no reservation to release", zap.Int64("order_id", orderID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !released {
		return false, nil
	}

	if r.Quantity != quantity {
		s.logger.Warn("release quantity differs from reservation, using reservation",
			zap.Int64("order_id", orderID), zap.Int("requested", quantity), zap.Int("reserved", r.Quantity))
	}
	if err := tx.RestoreStock(ctx, r.ProductID, r.Quantity); err != nil {
		return false, err
	}
	return true, nil
}

// Available returns the stock on hand, or zero for an unknown product.
func (s *Service) Available(ctx context.Context, productID int64) (int, error) {
	inv, err := s.db.GetInventory(ctx, productID)
	if errors.Is(err, db.ErrProductNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return inv.Quantity, nil
}

// SetStock overwrites a product's stock under its lock.
func (s *Service) SetStock(ctx context.Context, productID int64, name string, quantity int) error {
	if productID <= 0 {
		return errs.Invalid("productId", "must be positive")
	}
	if quantity < 0 {
		return errs.Invalid("quantity", "must not be negative")
	}
	return s.locked(ctx, productID, func(tx *db.Tx) error {
		return tx.SetStock(ctx, productID, name, quantity)
	})
}

// List returns every stock counter.
func (s *Service) List(ctx context.Context) ([]db.Inventory, error) {
	return s.db.ListInventory(ctx)
}

// Seed loads starting stock when the inventory table is empty. It reports
// whether anything was written.
func (s *Service) Seed(ctx context.Context, items []StockItem) (bool, error) {
	existing, err := s.db.ListInventory(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		s.logger.Info("inventory already seeded, skipping", zap.Int("products", len(existing)))
		return false, nil
	}

	err = s.db.Transact(ctx, func(tx *db.Tx) error {
		for _, it := range items {
			if err := tx.SetStock(ctx, it.ProductID, it.Name, it.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("seeding inventory: %w", err)
	}
	s.logger.Info("📦 inventory seeded", zap.Int("products", len(items)))
	return true, nil
}

func (s *Service) flush(ctx context.Context) {
	if s.relay == nil {
		return
	}
	if _, err := s.relay.Flush(ctx); err != nil {
		s.logger.Warn("outbox flush failed, relay will retry", zap.Error(err))
	}
}
