package inventory

import (
	"context"

	"github.com/buildtall-systems/ordersaga/internal/bus"
)

type capture struct {
	topics []string
}

func (c *capture) Publish(_ context.Context, msg bus.Message) error {
	c.topics = append(c.topics, msg.Topic)
	return nil
}
