// Package bus moves saga events between services. Kafka carries them in
// production. The in-memory bus has the same delivery semantics for a
// single process and for tests.
package bus

import (
	"context"
	"hash/fnv"
)

// Message is one record on a topic. Key selects the partition, so records
// with the same key are delivered in publish order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher appends messages to topics.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one message. Returning an error leaves the message
// uncommitted so it is delivered again.
type Handler func(ctx context.Context, msg Message) error

// Subscription names a consumer group and the topics it reads. Each group
// receives every message once; groups are independent of each other.
type Subscription struct {
	Group  string
	Topics []string
}

// Subscriber delivers messages to a handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, sub Subscription, h Handler) error
}

// partitionFor mirrors the kafka-go hash balancer.
func partitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
