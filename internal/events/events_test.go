package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicOf(t *testing.T) {
	for kind := range factories {
		t.Run(string(kind), func(t *testing.T) {
			assert.Contains(t, AllTopics, TopicOf(kind))
		})
	}
	assert.Empty(t, TopicOf("Unknown"))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	env, err := NewAt(OrderCreated{
		OrderID:     12,
		UserID:      3,
		ProductID:   1,
		ProductName: "MacBook Pro 16",
		Quantity:    2,
		UnitPrice:   decimal.NewFromInt(3500000),
		TotalPrice:  decimal.NewFromInt(7000000),
		Gateway:     "TOSS",
	}, at)
	require.NoError(t, err)

	assert.Len(t, env.ID, 26)
	assert.Equal(t, TopicOrder, env.Topic())
	assert.Equal(t, "12", env.Key())

	raw, err := env.Marshal()
	require.NoError(t, err)
	assert.Equal(t, KindOrderCreated, PeekKind(raw))

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, int64(12), got.OrderID)
	assert.True(t, at.Equal(got.OccurredAt))

	evt, err := As[OrderCreated](got)
	require.NoError(t, err)
	assert.Equal(t, "MacBook Pro 16", evt.ProductName)
	assert.True(t, evt.TotalPrice.Equal(decimal.NewFromInt(7000000)))

	p, err := got.Decode()
	require.NoError(t, err)
	assert.IsType(t, &OrderCreated{}, p)
	assert.Equal(t, int64(12), p.Order())
}

func TestEnvelope_IDsAreUnique(t *testing.T) {
	a, err := New(OrderCancelled{OrderID: 1})
	require.NoError(t, err)
	b, err := New(OrderCancelled{OrderID: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing kind", `{"id":"x","orderId":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.raw))
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.True(t, decErr.Permanent())
		})
	}
}

func TestAs_WrongKind(t *testing.T) {
	env, err := New(PaymentFailed{OrderID: 4, Reason: "declined"})
	require.NoError(t, err)

	_, err = As[PaymentCompleted](env)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, KindPaymentFailed, decErr.Kind)
}

func TestDecode_UnknownKind(t *testing.T) {
	env := Envelope{Kind: "Refunded", Payload: []byte(`{}`)}
	_, err := env.Decode()
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	var seen []int64
	On(r, func(ctx context.Context, env Envelope, evt PaymentCompleted) error {
		seen = append(seen, evt.OrderID)
		return nil
	})
	errBoom := errors.New("boom")
	On(r, func(ctx context.Context, env Envelope, evt PaymentFailed) error {
		return errBoom
	})

	assert.True(t, r.Handles(KindPaymentCompleted))
	assert.False(t, r.Handles(KindOrderCreated))
	assert.Equal(t, []Kind{KindPaymentCompleted, KindPaymentFailed}, r.Kinds())

	raw := func(p Payload) []byte {
		env, err := New(p)
		require.NoError(t, err)
		b, err := env.Marshal()
		require.NoError(t, err)
		return b
	}

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, raw(PaymentCompleted{OrderID: 8, PaymentID: "PAY-1"})))
	assert.Equal(t, []int64{8}, seen)

	assert.ErrorIs(t, r.Dispatch(ctx, raw(PaymentFailed{OrderID: 8})), errBoom)
	assert.ErrorIs(t, r.Dispatch(ctx, raw(OrderCreated{OrderID: 8})), ErrUnhandled)
	assert.ErrorIs(t, r.Dispatch(ctx, []byte(`garbage`)), ErrUnhandled)
}
