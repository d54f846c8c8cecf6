package bus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName        = "github.com/buildtall-systems/ordersaga/internal/bus"
	maxRedeliverDelay = 5 * time.Second
)

// KafkaConfig holds broker settings shared by the publisher and subscribers.
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
	// Readers is the number of group members per subscription.
	Readers int
	// MaxDeliveries bounds handler attempts per message. Zero retries forever.
	MaxDeliveries int
}

// KafkaPublisher writes messages with a hash balancer so every key sticks to
// one partition. Trace context is injected into the record headers.
type KafkaPublisher struct {
	writer kafkaWriter
}

type kafkaWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

func NewKafkaPublisher(cfg KafkaConfig, tp trace.TracerProvider) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	base := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	w, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.kafka.client_id", cfg.ClientID),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer: %w", err)
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.writer.WriteMessage(ctx, km); err != nil {
		return fmt.Errorf("writing to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterSuffix names the topic a subscriber parks undeliverable messages on.
const DeadLetterSuffix = ".dlq"

// KafkaSubscriber reads with consumer groups. Each subscription runs
// cfg.Readers group members so partitions are handled in parallel while one
// partition still sees its messages in order. Offsets are committed only
// after the handler returns nil, so a crash redelivers the message. A message
// that still fails after cfg.MaxDeliveries attempts is parked on its topic's
// dead-letter topic and committed.
type KafkaSubscriber struct {
	cfg       KafkaConfig
	parking   Publisher
	newReader func(kafka.ReaderConfig) kafkaReader
	logger    *zap.Logger
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSubscriber returns a subscriber that parks undeliverable messages
// through parking. A nil parking publisher keeps retrying them instead.
func NewKafkaSubscriber(cfg KafkaConfig, parking Publisher, logger *zap.Logger) *KafkaSubscriber {
	if cfg.Readers < 1 {
		cfg.Readers = 1
	}
	return &KafkaSubscriber{
		cfg:     cfg,
		parking: parking,
		newReader: func(rc kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(rc)
		},
		logger: logger,
	}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	log := s.logger.With(zap.String("group", sub.Group), zap.Strings("topics", sub.Topics))
	log.Info("kafka subscription started", zap.Int("readers", s.cfg.Readers))

	p := pool.New().WithMaxGoroutines(s.cfg.Readers)
	for i := 0; i < s.cfg.Readers; i++ {
		p.Go(func() {
			s.read(ctx, sub, h, log.With(zap.Int("reader", i)))
		})
	}
	p.Wait()
	return nil
}

// read runs one group member until ctx ends.
func (s *KafkaSubscriber) read(ctx context.Context, sub Subscription, h Handler, log *zap.Logger) {
	r := s.newReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		GroupID:     sub.Group,
		GroupTopics: sub.Topics,
		StartOffset: kafka.FirstOffset,
		MinBytes:    s.cfg.MinBytes,
		MaxBytes:    s.cfg.MaxBytes,
		MaxWait:     s.cfg.MaxWait,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn("closing kafka reader", zap.Error(err))
		}
	}()

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("fetch failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if !s.deliver(ctx, km, h, sub.Group, log) {
			return
		}

		if err := r.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("commit failed", zap.Error(err),
				zap.String("topic", km.Topic), zap.Int("partition", km.Partition), zap.Int64("offset", km.Offset))
		}
	}
}

// deliver runs h until it succeeds or the message has been parked. It
// reports false when ctx ended first.
func (s *KafkaSubscriber) deliver(ctx context.Context, km kafka.Message, h Handler, group string, log *zap.Logger) bool {
	msg := fromKafka(km)
	carrier := propagation.MapCarrier(msg.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)
	msgCtx, span := otel.Tracer(tracerName).Start(msgCtx, "consume "+km.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", km.Topic),
			attribute.Int("messaging.kafka.partition", km.Partition),
			attribute.Int64("messaging.kafka.offset", km.Offset),
		),
	)
	defer span.End()

	log = log.With(zap.String("topic", km.Topic), zap.Int("partition", km.Partition), zap.Int64("offset", km.Offset))
	delay := redeliverDelay
	for attempt := 1; ; attempt++ {
		err := h(msgCtx, msg)
		if err == nil {
			return true
		}
		span.RecordError(err)
		if ctx.Err() != nil {
			return false
		}

		if s.cfg.MaxDeliveries > 0 && attempt >= s.cfg.MaxDeliveries && s.parking != nil {
			perr := s.park(ctx, msg, group, attempt, err)
			if perr == nil {
				log.Error("message parked after repeated failures", zap.Error(err), zap.Int("attempts", attempt))
				return true
			}
			log.Error("parking message failed", zap.Error(perr), zap.NamedError("cause", err))
		} else {
			log.Warn("handler failed, redelivering", zap.Error(err), zap.Int("attempt", attempt))
		}

		if !sleep(ctx, delay) {
			return false
		}
		delay = min(delay*2, maxRedeliverDelay)
	}
}

func (s *KafkaSubscriber) park(ctx context.Context, msg Message, group string, attempts int, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+3)
	maps.Copy(headers, msg.Headers)
	headers["x-consumer-group"] = group
	headers["x-error"] = cause.Error()
	headers["x-attempts"] = strconv.Itoa(attempts)
	return s.parking.Publish(ctx, Message{
		Topic:   msg.Topic + DeadLetterSuffix,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

func fromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, hdr := range km.Headers {
		headers[hdr.Key] = string(hdr.Value)
	}
	return Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Value:   km.Value,
		Headers: headers,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
