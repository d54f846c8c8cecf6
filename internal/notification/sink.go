// Package notification tells customers about their orders. It only
// reads events and keeps no state.
package notification

import (
	"context"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"go.uber.org/zap"
)

// Group is the consumer group of the notification sink.
const Group = "notification"

// Notification is one message for a customer.
type Notification struct {
	OrderID int64
	Title   string
	Lines   []string
}

// Notifier delivers notifications over some channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("service", Group))}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("📧 "+n.Title, zap.Int64("order_id", n.OrderID), zap.Strings("lines", n.Lines))
	return nil
}

// Sink turns order and delivery events into notifications.
type Sink struct {
	notifier Notifier
}

func NewSink(n Notifier) *Sink {
	return &Sink{notifier: n}
}

// Register adds the sink's handlers to r.
func (s *Sink) Register(r *events.Router) {
	events.On(r, s.onOrderCreated)
	events.On(r, s.onOrderCompleted)
	events.On(r, s.onOrderCancelled)
	events.On(r, s.onDeliveryStarted)
	events.On(r, s.onDeliveryCompleted)
	events.On(r, s.onDeliveryFailed)
}

func (s *Sink) onOrderCreated(ctx context.Context, _ events.Envelope, e events.OrderCreated) error {
	return s.notifier.Notify(ctx, Notification{
		OrderID: e.OrderID,
		Title:   "Order received",
		Lines: []string{
			fmt.Sprintf("%s (%d)", e.ProductName, e.Quantity),
			"amount: " + e.TotalPrice.String(),
		},
	})
}

func (s *Sink) onOrderCompleted(ctx context.Context, _ events.Envelope, e events.OrderCompleted) error {
	return s.notifier.Notify(ctx, Notification{
		OrderID: e.OrderID,
		Title:   "✅ Order complete",
		Lines: []string{
			fmt.Sprintf("%s (%d)", e.ProductName, e.Quantity),
			"payment: " + e.PaymentID,
			"Thank you!",
		},
	})
}

func (s *Sink) onOrderCancelled(ctx context.Context, _ events.Envelope, e events.OrderCancelled) error {
	return s.notifier.Notify(ctx, Notification{
		OrderID: e.OrderID,
		Title:   "❌ Order cancelled",
		Lines:   []string{"reason: " + e.Reason},
	})
}

func (s *Sink) onDeliveryStarted(ctx context.Context, _ events.Envelope, e events.DeliveryStarted) error {
	return s.notifier.Notify(ctx, Notification{
		OrderID: e.OrderID,
		Title:   "🚚 Your order has shipped",
		Lines: []string{
			"tracking: " + e.DeliveryID,
			"carrier: " + e.Carrier,
			"address: " + e.Address,
		},
	})
}

func (s *Sink) onDeliveryCompleted(ctx context.Context, _ events.Envelope, e events.DeliveryCompleted) error {
	return s.notifier.Notify(ctx, Notification{
		OrderID: e.OrderID,
		Title:   "📦 Delivered",
		Lines:   []string{"tracking: " + e.DeliveryID},
	})
}

func (s *Sink) onDeliveryFailed(ctx context.Context, _ events.Envelope, e events.DeliveryFailed) error {
	return s.notifier.Notify(ctx, Notification{
		OrderID: e.OrderID,
		Title:   "⚠️ Delivery failed",
		Lines: []string{
			"tracking: " + e.DeliveryID,
			"reason: " + e.Reason,
			"Please contact customer support.",
		},
	})
}
