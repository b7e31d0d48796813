// Package redistream is the durable append-log transport adapter backed by
// Redis Streams. Each topic maps to one stream; consumption uses a named
// consumer-group cursor with explicit acknowledgment, and entries left
// pending longer than the configured idle timeout are reclaimed, giving
// at-least-once redelivery.
package redistream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/event"
)

const recordField = "record"

// Config tunes the Redis Streams broker.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// MaxLen caps each stream approximately; zero keeps streams unbounded.
	MaxLen int64
	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
	// ReadCount is the max entries fetched per read.
	ReadCount int64
	// MinIdle is how long a pending entry may sit unacknowledged before
	// another consumer reclaims it.
	MinIdle time.Duration
}

func (c *Config) withDefaults() {
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
}

// Broker is the Redis Streams Adapter implementation.
type Broker struct {
	cfg    Config
	client redis.UniversalClient

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

var _ bus.Adapter = (*Broker)(nil)

// New connects to Redis at cfg.Addr.
func New(cfg Config) *Broker {
	cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Broker {
	cfg.withDefaults()
	return &Broker{cfg: cfg, client: client, closeCh: make(chan struct{})}
}

// Publish appends the record to the topic's stream. The returned offset is
// the opaque stream entry id.
func (b *Broker) Publish(ctx context.Context, topic string, rec *event.Record) (event.PublishResult, error) {
	if b.isClosed() {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: bus.ErrClosed}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: fmt.Errorf("failed to marshal record: %w", err)}
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{recordField: string(payload)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}

	return event.PublishResult{
		EventID:   rec.Metadata.EventID,
		Topic:     topic,
		Offset:    id,
		Timestamp: time.Now().UTC(),
		Success:   true,
	}, nil
}

// Subscribe reads the topic through a consumer group. Handler success acks
// the entry; failure leaves it pending for reclaim after MinIdle.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler bus.Handler, opts ...bus.SubscribeOption) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	o := bus.NewSubscribeOptions(opts...)

	if err := b.ensureGroup(ctx, topic, group, o.OffsetReset); err != nil {
		return err
	}
	consumerID := uuid.NewString()

	deliveries := make(chan event.ConsumerRecord)
	for range o.Concurrency {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for crec := range deliveries {
				if err := handler(ctx, crec); err != nil {
					slog.ErrorContext(ctx, "Handler failed to process event, leaving entry pending",
						"topic", topic, "group", group, "offset", crec.Offset, "error", err)
					continue
				}
				if ackErr := crec.Ack(); ackErr != nil {
					slog.ErrorContext(ctx, "Failed to ack entry", "topic", topic, "offset", crec.Offset, "error", ackErr)
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(deliveries)
		b.readLoop(ctx, topic, group, consumerID, deliveries)
	}()
	return nil
}

// Consume returns a pull-based stream over the given topics. Callers must Ack
// each record; unacknowledged entries are redelivered after MinIdle.
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
	for _, topic := range topics {
		if err := b.ensureGroup(ctx, topic, cfg.Group, cfg.OffsetReset); err != nil {
			return nil, err
		}
	}

	out := make(chan event.ConsumerRecord, cfg.BufferSize)
	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Add(1)
		b.wg.Add(1)
		go func(topic string) {
			defer b.wg.Done()
			defer wg.Done()
			b.readLoop(ctx, topic, cfg.Group, cfg.ConsumerID, out)
		}(topic)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Request is not supported on the append-log transport.
func (b *Broker) Request(ctx context.Context, topic string, rec *event.Record, timeout time.Duration) (*event.Record, error) {
	return bus.RequestNotSupported(ctx, topic, rec, timeout)
}

// Close stops read loops and closes the client connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.closeCh)
	b.wg.Wait()
	return b.client.Close()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) ensureGroup(ctx context.Context, topic, group string, reset bus.OffsetReset) error {
	start := "$"
	if reset == bus.OffsetEarliest {
		start = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, topic, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &bus.SubscriptionError{Topic: topic, Group: group, Cause: err}
	}
	return nil
}

func (b *Broker) readLoop(ctx context.Context, topic, group, consumerID string, out chan<- event.ConsumerRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closeCh:
			return
		default:
		}

		// Reclaim entries another consumer left pending past MinIdle before
		// reading new ones.
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumerID,
			MinIdle:  b.cfg.MinIdle,
			Start:    "0-0",
			Count:    b.cfg.ReadCount,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) && !isClosedErr(err) {
			slog.ErrorContext(ctx, "Failed to reclaim pending entries", "topic", topic, "group", group, "error", err)
		}
		if !b.emit(ctx, topic, group, consumerID, claimed, out) {
			return
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumerID,
			Streams:  []string{topic, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || isClosedErr(err) {
				continue
			}
			slog.ErrorContext(ctx, "Failed to read from stream", "topic", topic, "group", group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-b.closeCh:
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for _, stream := range streams {
			if !b.emit(ctx, topic, group, consumerID, stream.Messages, out) {
				return
			}
		}
	}
}

func (b *Broker) emit(ctx context.Context, topic, group, consumerID string, msgs []redis.XMessage, out chan<- event.ConsumerRecord) bool {
	for _, msg := range msgs {
		crec, err := b.toConsumerRecord(topic, group, consumerID, msg)
		if err != nil {
			// A malformed entry can never succeed; ack it out of the group.
			slog.ErrorContext(ctx, "Failed to decode stream entry, acking it away",
				"topic", topic, "offset", msg.ID, "error", err)
			_ = b.client.XAck(ctx, topic, group, msg.ID).Err()
			continue
		}
		select {
		case out <- crec:
		case <-ctx.Done():
			return false
		case <-b.closeCh:
			return false
		}
	}
	return true
}

func (b *Broker) toConsumerRecord(topic, group, consumerID string, msg redis.XMessage) (event.ConsumerRecord, error) {
	raw, ok := msg.Values[recordField].(string)
	if !ok {
		return event.ConsumerRecord{}, fmt.Errorf("stream entry %s has no %q field", msg.ID, recordField)
	}
	var rec event.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return event.ConsumerRecord{}, fmt.Errorf("failed to unmarshal stream entry %s: %w", msg.ID, err)
	}

	entryID := msg.ID
	return event.ConsumerRecord{
		Record:        rec,
		ConsumerGroup: group,
		ConsumerID:    consumerID,
		Topic:         topic,
		Offset:        entryID,
		DeliveredAt:   time.Now().UTC(),
		Ack: func() error {
			return b.client.XAck(context.Background(), topic, group, entryID).Err()
		},
		// Nak leaves the entry pending; it is redelivered via reclaim once
		// MinIdle elapses.
		Nak: func() error { return nil },
	}, nil
}

func isClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "client is closed")
}
