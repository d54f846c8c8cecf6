package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// ErrGroupSubscribed is returned when a group subscribes twice to the memory bus.
var ErrGroupSubscribed = errors.New("group already subscribed")

const redeliverDelay = 10 * time.Millisecond

// MemoryBus is a partitioned, retained log kept in memory. Groups start
// reading from the beginning of each partition, so a late subscriber still
// sees every message. Each partition is handled by one goroutine per group.
type MemoryBus struct {
	partitions int

	mu      sync.Mutex
	logs    map[string][][]Message
	cursors map[string]map[string][]int // group -> topic -> partition offsets
	active  map[string]bool
	wake    chan struct{}
}

func NewMemoryBus(partitions int) *MemoryBus {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBus{
		partitions: partitions,
		logs:       make(map[string][][]Message),
		cursors:    make(map[string]map[string][]int),
		active:     make(map[string]bool),
		wake:       make(chan struct{}),
	}
}

func (b *MemoryBus) log(topic string) [][]Message {
	l, ok := b.logs[topic]
	if !ok {
		l = make([][]Message, b.partitions)
		b.logs[topic] = l
	}
	return l
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic == "" {
		return fmt.Errorf("publishing: empty topic")
	}

	b.mu.Lock()
	l := b.log(msg.Topic)
	p := partitionFor(msg.Key, b.partitions)
	l[p] = append(l[p], msg)
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Subscribe blocks until ctx ends, delivering every message on the
// subscription's topics to h. A group that subscribes again resumes where it
// stopped.
func (b *MemoryBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	b.mu.Lock()
	if b.active[sub.Group] {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupSubscribed, sub.Group)
	}
	offsets, ok := b.cursors[sub.Group]
	if !ok {
		offsets = make(map[string][]int, len(sub.Topics))
		b.cursors[sub.Group] = offsets
	}
	for _, topic := range sub.Topics {
		b.log(topic)
		if _, ok := offsets[topic]; !ok {
			offsets[topic] = make([]int, b.partitions)
		}
	}
	b.active[sub.Group] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active[sub.Group] = false
		b.mu.Unlock()
	}()

	var wg conc.WaitGroup
	for _, topic := range sub.Topics {
		for p := 0; p < b.partitions; p++ {
			wg.Go(func() {
				b.consume(ctx, sub.Group, topic, p, h)
			})
		}
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, group, topic string, partition int, h Handler) {
	for {
		b.mu.Lock()
		offset := b.cursors[group][topic][partition]
		entries := b.logs[topic][partition]
		wake := b.wake
		b.mu.Unlock()

		if offset >= len(entries) {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		if err := h(ctx, entries[offset]); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(redeliverDelay):
				continue
			}
		}

		b.mu.Lock()
		b.cursors[group][topic][partition] = offset + 1
		b.mu.Unlock()
	}
}

// Subscribed reports whether group is currently subscribed.
func (b *MemoryBus) Subscribed(group string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[group]
}

// Lag is the number of messages subscribed groups have not finished handling.
func (b *MemoryBus) Lag() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	lag := 0
	for group, topics := range b.cursors {
		if !b.active[group] {
			continue
		}
		for topic, offsets := range topics {
			for p, off := range offsets {
				lag += len(b.logs[topic][p]) - off
			}
		}
	}
	return lag
}

// Quiesce waits until every subscribed group has handled every message,
// including messages published by handlers along the way.
func (b *MemoryBus) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if b.Lag() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for bus to drain (lag %d): %w", b.Lag(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Messages returns a copy of everything published to topic, partition by partition.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, part := range b.logs[topic] {
		out = append(out, part...)
	}
	return out
}
