// Package outbox publishes events that were committed together with a
// service's state change. Services stage envelopes inside their
// transaction; the relay moves them to the bus afterwards.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"go.uber.org/zap"
)

const defaultBatch = 100

// Enqueuer is satisfied by *db.Tx and *db.DB.
type Enqueuer interface {
	EnqueueOutbox(ctx context.Context, m db.OutboxMessage) error
}

// Store is the relay's view of the outbox table.
type Store interface {
	PendingOutbox(ctx context.Context, source string, limit int) ([]db.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, ids []int64) error
}

// Write stages env for source. Staging the same envelope twice is a no-op.
func Write(ctx context.Context, q Enqueuer, source string, env events.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", env.Kind, err)
	}
	err = q.EnqueueOutbox(ctx, db.OutboxMessage{
		Source:  source,
		Topic:   env.Topic(),
		Key:     env.Key(),
		Kind:    string(env.Kind),
		EventID: env.ID,
		Payload: raw,
	})
	if errors.Is(err, db.ErrDuplicate) {
		return nil
	}
	return err
}

// Relay publishes one source's pending outbox rows in insertion order.
type Relay struct {
	store  Store
	source string
	pub    bus.Publisher
	batch  int
	logger *zap.Logger

	mu sync.Mutex
}

func NewRelay(store Store, source string, pub bus.Publisher, logger *zap.Logger) *Relay {
	return &Relay{
		store:  store,
		source: source,
		pub:    pub,
		batch:  defaultBatch,
		logger: logger.With(zap.String("outbox", source)),
	}
}

// Flush publishes everything pending and returns how many messages went out.
// A publish failure stops the flush; the rest stays pending for the next one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := 0
	for {
		pending, err := r.store.PendingOutbox(ctx, r.source, r.batch)
		if err != nil {
			return sent, err
		}
		if len(pending) == 0 {
			return sent, nil
		}

		ids := make([]int64, 0, len(pending))
		var pubErr error
		for _, m := range pending {
			pubErr = r.pub.Publish(ctx, bus.Message{
				Topic: m.Topic,
				Key:   m.Key,
				Value: m.Payload,
				Headers: map[string]string{
					"kind":     m.Kind,
					"event_id": m.EventID,
				},
			})
			if pubErr != nil {
				break
			}
			ids = append(ids, m.ID)
		}

		if err := r.store.MarkOutboxSent(ctx, ids); err != nil {
			return sent, err
		}
		sent += len(ids)

		if pubErr != nil {
			return sent, fmt.Errorf("publishing outbox message: %w", pubErr)
		}
		if len(pending) < r.batch {
			return sent, nil
		}
	}
}

// Run flushes every interval until ctx ends. It picks up rows a crashed
// flush left behind.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("outbox flush failed", zap.Error(err), zap.Int("sent", n))
				continue
			}
			if n > 0 {
				r.logger.Debug("outbox flushed", zap.Int("sent", n))
			}
		}
	}
}
