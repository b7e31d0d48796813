// Package kafkabus is the partitioned durable log transport adapter backed by
// Kafka through franz-go. The partition key becomes the record key, so the
// client's consistent hashing assigns the partition; consumer groups balance
// partitions across instances, and offsets are committed explicitly unless
// auto-commit is configured.
package kafkabus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/event"
)

const (
	headerEventID   = "event-id"
	headerEventType = "event-type"
)

// FetchConfig tunes consumer fetches.
type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// TLSConfig enables TLS on broker connections.
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

// Config tunes the Kafka broker.
type Config struct {
	Brokers        []string
	ClientID       string
	AutoCommit     bool
	MaxPollRecords int
	Fetch          FetchConfig
	TLS            TLSConfig
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	return nil
}

// Broker is the Kafka Adapter implementation.
type Broker struct {
	cfg      Config
	producer *kgo.Client

	mu        sync.Mutex
	consumers []*kgo.Client
	closed    bool
	wg        sync.WaitGroup

	// Injected for tests; default to the real client calls.
	newConsumer func(topic, group string, reset bus.OffsetReset) (*kgo.Client, error)
}

var _ bus.Adapter = (*Broker)(nil)

// New connects a producer client to the configured brokers.
func New(cfg Config) (*Broker, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	producer, err := kgo.NewClient(baseOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	b := &Broker{cfg: cfg, producer: producer}
	b.newConsumer = func(topic, group string, reset bus.OffsetReset) (*kgo.Client, error) {
		opts := append(baseOpts(cfg),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topic),
			kgo.FetchMaxWait(cfg.Fetch.MaxWait),
			kgo.FetchMinBytes(cfg.Fetch.MinBytes),
			kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
			kgo.ConsumeResetOffset(resetOffset(reset)),
		)
		if !cfg.AutoCommit {
			opts = append(opts, kgo.DisableAutoCommit())
		}
		return kgo.NewClient(opts...)
	}
	return b, nil
}

func baseOpts(cfg Config) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	return opts
}

func resetOffset(reset bus.OffsetReset) kgo.Offset {
	if reset == bus.OffsetEarliest {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().AtEnd()
}

// Publish produces the record synchronously and returns the assigned
// partition and offset.
func (b *Broker) Publish(ctx context.Context, topic string, rec *event.Record) (event.PublishResult, error) {
	if b.isClosed() {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: bus.ErrClosed}
	}

	krec, err := toKafkaRecord(topic, rec)
	if err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}

	res := b.producer.ProduceSync(ctx, krec)
	if err := res.FirstErr(); err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}
	produced, _ := res.First()

	return event.PublishResult{
		EventID:   rec.Metadata.EventID,
		Topic:     topic,
		Partition: produced.Partition,
		Offset:    strconv.FormatInt(produced.Offset, 10),
		Timestamp: produced.Timestamp,
		Success:   true,
	}, nil
}

// Subscribe joins the consumer group for the topic and delivers records to
// the handler. With auto-commit disabled, offsets are committed only after
// the handler returns nil.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler bus.Handler, opts ...bus.SubscribeOption) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	o := bus.NewSubscribeOptions(opts...)

	client, err := b.newConsumer(topic, group, o.OffsetReset)
	if err != nil {
		return &bus.SubscriptionError{Topic: topic, Group: group, Cause: err}
	}
	b.track(client)
	consumerID := uuid.NewString()

	deliveries := make(chan deliveredRecord)
	for range o.Concurrency {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for d := range deliveries {
				if err := handler(ctx, d.crec); err != nil {
					slog.ErrorContext(ctx, "Handler failed to process record, offset not committed",
						"topic", topic, "group", group, "partition", d.crec.Partition, "offset", d.crec.Offset, "error", err)
					continue
				}
				if !b.cfg.AutoCommit {
					client.MarkCommitRecords(d.raw)
					if err := client.CommitMarkedOffsets(ctx); err != nil {
						slog.ErrorContext(ctx, "Failed to commit marked offsets", "topic", topic, "group", group, "error", err)
					}
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(deliveries)
		b.pollLoop(ctx, client, group, consumerID, func(d deliveredRecord) bool {
			select {
			case deliveries <- d:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return nil
}

// Consume returns a pull-based stream over the given topics. Records carry
// Ack closures that mark and commit their offsets.
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
		client, err := b.newConsumer(topic, cfg.Group, cfg.OffsetReset)
		if err != nil {
			return nil, &bus.SubscriptionError{Topic: topic, Group: cfg.Group, Cause: err}
		}
		b.track(client)

		wg.Add(1)
		b.wg.Add(1)
		go func(client *kgo.Client) {
			defer b.wg.Done()
			defer wg.Done()
			b.pollLoop(ctx, client, cfg.Group, cfg.ConsumerID, func(d deliveredRecord) bool {
				crec := d.crec
				raw := d.raw
				crec.Ack = func() error {
					client.MarkCommitRecords(raw)
					return client.CommitMarkedOffsets(context.Background())
				}
				select {
				case out <- crec:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}(client)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

type deliveredRecord struct {
	crec event.ConsumerRecord
	raw  *kgo.Record
}

func (b *Broker) pollLoop(ctx context.Context, client *kgo.Client, group, consumerID string, emit func(deliveredRecord) bool) {
	for {
		if ctx.Err() != nil || b.isClosed() {
			return
		}
		fetches := client.PollRecords(ctx, b.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return
				}
				slog.ErrorContext(ctx, "Fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
			}
			continue
		}
		keepGoing := true
		fetches.EachRecord(func(raw *kgo.Record) {
			if !keepGoing {
				return
			}
			crec, err := fromKafkaRecord(raw, group, consumerID)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to decode record, skipping",
					"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset, "error", err)
				return
			}
			keepGoing = emit(deliveredRecord{crec: crec, raw: raw})
		})
		if !keepGoing {
			return
		}
	}
}

// Request is not supported on the partitioned-log transport.
func (b *Broker) Request(ctx context.Context, topic string, rec *event.Record, timeout time.Duration) (*event.Record, error) {
	return bus.RequestNotSupported(ctx, topic, rec, timeout)
}

// Close shuts down the producer and all consumer clients.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	if b.producer != nil {
		b.producer.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Broker) track(client *kgo.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, client)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func toKafkaRecord(topic string, rec *event.Record) (*kgo.Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	krec := &kgo.Record{
		Topic: topic,
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: headerEventID, Value: []byte(rec.Metadata.EventID.String())},
			{Key: headerEventType, Value: []byte(rec.EventType)},
		},
	}
	if key := rec.Key(); key != "" {
		krec.Key = []byte(key)
	}
	return krec, nil
}

func fromKafkaRecord(raw *kgo.Record, group, consumerID string) (event.ConsumerRecord, error) {
	var rec event.Record
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return event.ConsumerRecord{}, fmt.Errorf("failed to unmarshal record value: %w", err)
	}
	return event.ConsumerRecord{
		Record:        rec,
		ConsumerGroup: group,
		ConsumerID:    consumerID,
		Topic:         raw.Topic,
		Partition:     raw.Partition,
		Offset:        strconv.FormatInt(raw.Offset, 10),
		DeliveredAt:   time.Now().UTC(),
	}, nil
}
