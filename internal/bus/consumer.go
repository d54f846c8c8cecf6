package bus

import (
	"context"
	"errors"
	"sort"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/retry"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultDedupeSize = 4096

// Consumer is the consumption boundary for one service. It routes messages
// by event kind, retries transient failures under a policy, and dead-letters
// what it cannot process. Handlers must still be idempotent: the recent-id
// cache only short-circuits redeliveries seen by this process.
type Consumer struct {
	group    string
	router   *events.Router
	policy   retry.Policy
	policies map[events.Kind]retry.Policy
	dlq      retry.DeadLetterSink
	seen     *lru.Cache[string, struct{}]
	logger   *zap.Logger
}

type ConsumerOption func(*Consumer)

// WithPolicy sets the policy for every kind without its own.
func WithPolicy(p retry.Policy) ConsumerOption {
	return func(c *Consumer) { c.policy = p }
}

// WithKindPolicy overrides the policy for one kind.
func WithKindPolicy(k events.Kind, p retry.Policy) ConsumerOption {
	return func(c *Consumer) { c.policies[k] = p }
}

// WithDedupeSize sets how many recent event ids are remembered.
func WithDedupeSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.seen, _ = lru.New[string, struct{}](n)
		}
	}
}

func NewConsumer(group string, router *events.Router, dlq retry.DeadLetterSink, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	seen, _ := lru.New[string, struct{}](defaultDedupeSize)
	c := &Consumer{
		group:    group,
		router:   router,
		policy:   retry.DefaultPolicy(),
		policies: make(map[events.Kind]retry.Policy),
		dlq:      dlq,
		seen:     seen,
		logger:   logger.With(zap.String("consumer", group)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) Group() string { return c.group }

// Topics lists the topics carrying the kinds this consumer handles.
func (c *Consumer) Topics() []string {
	set := make(map[string]struct{})
	for _, k := range c.router.Kinds() {
		if t := events.TopicOf(k); t != "" {
			set[t] = struct{}{}
		}
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Subscription returns the group and topics to subscribe with.
func (c *Consumer) Subscription() Subscription {
	return Subscription{Group: c.group, Topics: c.Topics()}
}

// Handle processes one message. It returns an error only when ctx ended
// before the outcome was settled or the dead letter could not be stored;
// the message must then be redelivered.
func (c *Consumer) Handle(ctx context.Context, msg Message) error {
	kind := events.PeekKind(msg.Value)
	if !c.router.Handles(kind) {
		return nil
	}

	id := gjson.GetBytes(msg.Value, "id").String()
	log := c.logger.With(zap.String("kind", string(kind)), zap.String("event_id", id), zap.String("key", msg.Key))

	if id != "" && c.seen.Contains(id) {
		log.Debug("skipping redelivered event")
		return nil
	}

	policy, ok := c.policies[kind]
	if !ok {
		policy = c.policy
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		return c.router.Dispatch(ctx, msg.Value)
	})
	if err == nil {
		c.remember(id)
		return nil
	}
	if errors.Is(err, events.ErrUnhandled) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	dl := retry.DeadLetter{
		Consumer: c.group,
		Topic:    msg.Topic,
		Key:      msg.Key,
		Kind:     string(kind),
		EventID:  id,
		Payload:  msg.Value,
		Error:    err.Error(),
		Attempts: attempts,
	}
	if dlqErr := c.dlq.DeadLetter(context.WithoutCancel(ctx), dl); dlqErr != nil {
		log.Error("storing dead letter failed", zap.Error(dlqErr), zap.NamedError("cause", err))
		return dlqErr
	}

	log.Error("event dead-lettered",
		zap.Error(err),
		zap.Int("attempts", attempts),
		zap.Bool("permanent", retry.IsPermanent(err)),
	)
	c.remember(id)
	return nil
}

func (c *Consumer) remember(id string) {
	if id != "" {
		c.seen.Add(id, struct{}{})
	}
}

// Run subscribes the consumer and blocks until ctx ends.
func (c *Consumer) Run(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, c.Subscription(), c.Handle)
}
