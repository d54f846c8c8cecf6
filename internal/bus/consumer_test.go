package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryDLQ struct {
	mu      sync.Mutex
	letters []retry.DeadLetter
}

func (m *memoryDLQ) DeadLetter(_ context.Context, dl retry.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, dl)
	return nil
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func orderCreatedMessage(t *testing.T, orderID int64) Message {
	t.Helper()
	env, err := events.New(events.OrderCreated{
		OrderID:    orderID,
		UserID:     1,
		ProductID:  1,
		Quantity:   1,
		UnitPrice:  decimal.NewFromInt(1000),
		TotalPrice: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)
	return Message{Topic: env.Topic(), Key: env.Key(), Value: raw}
}

func TestConsumer_RetriesTransientErrors(t *testing.T) {
	calls := 0
	r := events.NewRouter()
	events.On(r, func(_ context.Context, _ events.Envelope, evt events.OrderCreated) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	dlq := &memoryDLQ{}
	c := NewConsumer("inventory", r, dlq, zaptest.NewLogger(t), WithPolicy(fastPolicy(5)))

	require.NoError(t, c.Handle(context.Background(), orderCreatedMessage(t, 1)))
	assert.Equal(t, 3, calls)
	assert.Empty(t, dlq.letters)
}

func TestConsumer_PermanentErrorGoesToDeadLetter(t *testing.T) {
	calls := 0
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error {
		calls++
		return &errs.UnsupportedGatewayError{Gateway: "BITCOIN"}
	})

	dlq := &memoryDLQ{}
	c := NewConsumer("payment", r, dlq, zaptest.NewLogger(t), WithPolicy(fastPolicy(5)))

	msg := orderCreatedMessage(t, 7)
	require.NoError(t, c.Handle(context.Background(), msg))

	assert.Equal(t, 1, calls, "permanent errors are not retried")
	require.Len(t, dlq.letters, 1)
	dl := dlq.letters[0]
	assert.Equal(t, "payment", dl.Consumer)
	assert.Equal(t, string(events.KindOrderCreated), dl.Kind)
	assert.Equal(t, "7", dl.Key)
	assert.Equal(t, 1, dl.Attempts)
	assert.Contains(t, dl.Error, "BITCOIN")
}

func TestConsumer_ExhaustedRetriesGoToDeadLetter(t *testing.T) {
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error {
		return errors.New("still failing")
	})

	dlq := &memoryDLQ{}
	c := NewConsumer("inventory", r, dlq, zaptest.NewLogger(t), WithPolicy(fastPolicy(3)))

	require.NoError(t, c.Handle(context.Background(), orderCreatedMessage(t, 2)))
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, 3, dlq.letters[0].Attempts)
}

func TestConsumer_KindPolicyOverride(t *testing.T) {
	calls := 0
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error {
		calls++
		if calls < 6 {
			return errors.New("flaky")
		}
		return nil
	})

	dlq := &memoryDLQ{}
	c := NewConsumer("inventory", r, dlq, zaptest.NewLogger(t),
		WithPolicy(fastPolicy(2)),
		WithKindPolicy(events.KindOrderCreated, fastPolicy(2).Unbounded()),
	)

	require.NoError(t, c.Handle(context.Background(), orderCreatedMessage(t, 3)))
	assert.Equal(t, 6, calls)
	assert.Empty(t, dlq.letters)
}

func TestConsumer_SkipsRedeliveredEvent(t *testing.T) {
	calls := 0
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error {
		calls++
		return nil
	})

	c := NewConsumer("inventory", r, &memoryDLQ{}, zaptest.NewLogger(t))
	msg := orderCreatedMessage(t, 4)

	require.NoError(t, c.Handle(context.Background(), msg))
	require.NoError(t, c.Handle(context.Background(), msg))
	assert.Equal(t, 1, calls)
}

func TestConsumer_IgnoresUnhandledKinds(t *testing.T) {
	r := events.NewRouter()
	dlq := &memoryDLQ{}
	c := NewConsumer("notification", r, dlq, zaptest.NewLogger(t))

	require.NoError(t, c.Handle(context.Background(), orderCreatedMessage(t, 5)))
	require.NoError(t, c.Handle(context.Background(), Message{Topic: "order-events", Value: []byte(`not json`)}))
	assert.Empty(t, dlq.letters)
}

func TestConsumer_MalformedPayloadIsDeadLettered(t *testing.T) {
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error { return nil })

	dlq := &memoryDLQ{}
	c := NewConsumer("inventory", r, dlq, zaptest.NewLogger(t), WithPolicy(fastPolicy(5)))

	raw := []byte(`{"id":"x","kind":"OrderCreated","orderId":1,"payload":{"quantity":"many"}}`)
	require.NoError(t, c.Handle(context.Background(), Message{Topic: "order-events", Key: "1", Value: raw}))
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, 1, dlq.letters[0].Attempts)
}

func TestConsumer_CancelledContextRedelivers(t *testing.T) {
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error {
		return errors.New("transient")
	})

	dlq := &memoryDLQ{}
	c := NewConsumer("inventory", r, dlq, zaptest.NewLogger(t), WithPolicy(fastPolicy(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Handle(ctx, orderCreatedMessage(t, 6))
	assert.Error(t, err)
	assert.Empty(t, dlq.letters)
}

func TestConsumer_Topics(t *testing.T) {
	r := events.NewRouter()
	events.On(r, func(context.Context, events.Envelope, events.OrderCreated) error { return nil })
	events.On(r, func(context.Context, events.Envelope, events.PaymentFailed) error { return nil })
	events.On(r, func(context.Context, events.Envelope, events.OrderCancelled) error { return nil })

	c := NewConsumer("inventory", r, &memoryDLQ{}, zaptest.NewLogger(t))
	assert.Equal(t, []string{events.TopicOrder, events.TopicPayment}, c.Topics())
	assert.Equal(t, "inventory", c.Subscription().Group)
}

func TestConsumer_RunOverMemoryBus(t *testing.T) {
	var mu sync.Mutex
	seen := map[int64]bool{}
	r := events.NewRouter()
	events.On(r, func(_ context.Context, _ events.Envelope, evt events.OrderCreated) error {
		mu.Lock()
		defer mu.Unlock()
		seen[evt.OrderID] = true
		return nil
	})

	b := NewMemoryBus(2)
	c := NewConsumer("inventory", r, &memoryDLQ{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, b) }()
	require.Eventually(t, func() bool { return b.Subscribed("inventory") }, time.Second, time.Millisecond)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.Publish(context.Background(), orderCreatedMessage(t, i)))
	}
	quiesce(t, b)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}
