// Package natsjs is a durable log transport adapter backed by NATS JetStream.
// Each topic maps to a stream whose subjects are `{topic}.*`; the partition
// key becomes the subject suffix, and consumption uses durable pull consumers
// with explicit Ack/Nak.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/event"
)

// Config tunes the JetStream broker.
type Config struct {
	URL string
	// FetchBatch is the max messages pulled per fetch.
	FetchBatch int
	// FetchWait is how long one fetch waits for messages.
	FetchWait time.Duration
}

func (c *Config) withDefaults() {
	if c.FetchBatch <= 0 {
		c.FetchBatch = 10
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
}

// Broker is the JetStream Adapter implementation.
type Broker struct {
	cfg  Config
	conn *nats.Conn
	js   nats.JetStreamContext

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ bus.Adapter = (*Broker)(nil)

// New connects to the NATS server and opens a JetStream context.
func New(cfg Config) (*Broker, error) {
	cfg.withDefaults()
	conn, err := nats.Connect(
		cfg.URL,
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Broker{cfg: cfg, conn: conn, js: js}, nil
}

func (b *Broker) ensureStream(ctx context.Context, topic string) error {
	_, err := b.js.StreamInfo(topic)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for %s: %w", topic, err)
	}
	slog.InfoContext(ctx, "Stream not found, creating it", "stream", topic)
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     topic,
		Subjects: []string{fmt.Sprintf("%s.*", topic)},
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", topic, err)
	}
	return nil
}

// Publish appends the record to the topic's stream. The partition key becomes
// the subject suffix so related events share a subject.
func (b *Broker) Publish(ctx context.Context, topic string, rec *event.Record) (event.PublishResult, error) {
	if b.isClosed() {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: bus.ErrClosed}
	}
	if err := b.ensureStream(ctx, topic); err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: fmt.Errorf("failed to marshal record: %w", err)}
	}

	suffix := rec.Key()
	if suffix == "" {
		suffix = rec.Metadata.EventID.String()
	}
	subject := fmt.Sprintf("%s.%s", topic, suffix)

	ack, err := b.js.Publish(subject, payload)
	if err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}

	return event.PublishResult{
		EventID:   rec.Metadata.EventID,
		Topic:     topic,
		Offset:    strconv.FormatUint(ack.Sequence, 10),
		Timestamp: time.Now().UTC(),
		Success:   true,
	}, nil
}

// Subscribe creates a durable pull consumer for the topic. Handler success
// acks the message; failure naks it for redelivery.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler bus.Handler, opts ...bus.SubscribeOption) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	o := bus.NewSubscribeOptions(opts...)

	sub, err := b.pullSubscribe(ctx, topic, group, o.OffsetReset)
	if err != nil {
		return &bus.SubscriptionError{Topic: topic, Group: group, Cause: err}
	}
	consumerID := uuid.NewString()

	deliveries := make(chan event.ConsumerRecord)
	for range o.Concurrency {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for crec := range deliveries {
				if err := handler(ctx, crec); err != nil {
					slog.ErrorContext(ctx, "Handler failed to process event",
						"topic", topic, "group", group, "eventID", crec.Record.Metadata.EventID, "error", err)
					if nakErr := crec.Nak(); nakErr != nil {
						slog.ErrorContext(ctx, "Failed to nak message", "topic", topic, "error", nakErr)
					}
					continue
				}
				if ackErr := crec.Ack(); ackErr != nil {
					slog.ErrorContext(ctx, "Failed to ack message", "topic", topic, "error", ackErr)
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(deliveries)
		slog.InfoContext(ctx, "Subscriber started", "topic", topic, "group", group)
		b.fetchLoop(ctx, sub, topic, group, consumerID, func(crec event.ConsumerRecord) bool {
			select {
			case deliveries <- crec:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return nil
}

// Consume returns a pull-based stream over the given topics. Records carry
// Ack/Nak closures bound to their JetStream messages.
func (b *Broker) Consume(ctx context.Context, topics []string, cfg bus.ConsumerConfig) (<-chan event.ConsumerRecord, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = uuid.NewString()
	}

	out := make(chan event.ConsumerRecord, cfg.BufferSize)
	var wg sync.WaitGroup
	for _, topic := range topics {
		sub, err := b.pullSubscribe(ctx, topic, cfg.Group, cfg.OffsetReset)
		if err != nil {
			return nil, &bus.SubscriptionError{Topic: topic, Group: cfg.Group, Cause: err}
		}
		wg.Add(1)
		b.wg.Add(1)
		go func(topic string, sub *nats.Subscription) {
			defer b.wg.Done()
			defer wg.Done()
			b.fetchLoop(ctx, sub, topic, cfg.Group, cfg.ConsumerID, func(crec event.ConsumerRecord) bool {
				select {
				case out <- crec:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}(topic, sub)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (b *Broker) pullSubscribe(ctx context.Context, topic, group string, reset bus.OffsetReset) (*nats.Subscription, error) {
	if err := b.ensureStream(ctx, topic); err != nil {
		return nil, err
	}

	subOpts := []nats.SubOpt{nats.PullMaxWaiting(128)}
	if reset == bus.OffsetEarliest {
		subOpts = append(subOpts, nats.DeliverAll())
	} else {
		subOpts = append(subOpts, nats.DeliverNew())
	}

	durable := fmt.Sprintf("%s-%s", topic, group)
	sub, err := b.js.PullSubscribe(fmt.Sprintf("%s.*", topic), durable, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription: %w", err)
	}
	return sub, nil
}

func (b *Broker) fetchLoop(ctx context.Context, sub *nats.Subscription, topic, group, consumerID string, emit func(event.ConsumerRecord) bool) {
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Consumer stopping", "topic", topic, "group", group)
			return
		default:
		}
		if b.isClosed() {
			return
		}

		msgs, err := sub.Fetch(b.cfg.FetchBatch, nats.MaxWait(b.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrSubscriptionClosed) {
				return
			}
			slog.ErrorContext(ctx, "Failed to fetch messages", "topic", topic, "group", group, "error", err)
			continue
		}

		for _, msg := range msgs {
			crec, err := b.toConsumerRecord(msg, topic, group, consumerID)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal event, skipping", "topic", topic, "error", err)
				_ = msg.Nak()
				continue
			}
			if !emit(crec) {
				_ = msg.Nak()
				return
			}
		}
	}
}

func (b *Broker) toConsumerRecord(msg *nats.Msg, topic, group, consumerID string) (event.ConsumerRecord, error) {
	var rec event.Record
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		return event.ConsumerRecord{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	offset := ""
	var lag int64
	if meta, err := msg.Metadata(); err == nil {
		offset = strconv.FormatUint(meta.Sequence.Stream, 10)
		lag = int64(meta.NumPending)
	}

	return event.ConsumerRecord{
		Record:        rec,
		ConsumerGroup: group,
		ConsumerID:    consumerID,
		Topic:         topic,
		Offset:        offset,
		DeliveredAt:   time.Now().UTC(),
		Lag:           lag,
		Ack:           func() error { return msg.Ack() },
		Nak:           func() error { return msg.Nak() },
	}, nil
}

// Request is not supported on the JetStream adapter; JetStream consumers are
// log cursors, not RPC endpoints.
func (b *Broker) Request(ctx context.Context, topic string, rec *event.Record, timeout time.Duration) (*event.Record, error) {
	return bus.RequestNotSupported(ctx, topic, rec, timeout)
}

// Close drains in-flight fetch loops and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
