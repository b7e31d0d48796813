package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tautly/eventgrid/event"
)

// Dead-letter headers added when a record is republished to a DLQ topic.
const (
	HeaderOriginalTopic = "x-original-topic"
	HeaderRetryCount    = "x-retry-count"
	HeaderError         = "x-error"
	HeaderErrorType     = "x-error-type"
	HeaderDLQTimestamp  = "x-dlq-timestamp"
)

// DefaultDLQSuffix is appended to a topic to form its dead-letter topic.
const DefaultDLQSuffix = ".DLQ"

// TopicMapper maps an event type to a bus topic. A record's Topic field,
// when set, takes precedence over the mapper.
type TopicMapper func(eventType string) string

// Bus is a transport-agnostic facade over one Adapter. It adds batch
// publishing, dead-letter routing, and subscription lifecycle management.
type Bus struct {
	adapter   Adapter
	mapper    TopicMapper
	dlqSuffix string
	dlqTopic  string // overrides suffix-derived naming when set

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	runCtx  context.Context
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithTopicMapper sets the event-type to topic mapping.
func WithTopicMapper(m TopicMapper) BusOption {
	return func(b *Bus) {
		if m != nil {
			b.mapper = m
		}
	}
}

// WithDLQSuffix overrides the suffix used to derive dead-letter topic names.
func WithDLQSuffix(suffix string) BusOption {
	return func(b *Bus) {
		if suffix != "" {
			b.dlqSuffix = suffix
		}
	}
}

// WithDLQTopic routes all dead-lettered events to a single fixed topic.
func WithDLQTopic(topic string) BusOption {
	return func(b *Bus) { b.dlqTopic = topic }
}

// New creates a Bus wrapping the given adapter. By default the topic is the
// event type itself.
func New(adapter Adapter, opts ...BusOption) *Bus {
	b := &Bus{
		adapter:   adapter,
		mapper:    func(eventType string) string { return eventType },
		dlqSuffix: DefaultDLQSuffix,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start prepares the bus for subscriptions. Publishing works without Start;
// subscriptions registered through the bus are cancelled on Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.runCtx, b.cancel = context.WithCancel(ctx)
	b.started = true
	slog.InfoContext(ctx, "Event bus started")
	return nil
}

// Stop cancels all subscriptions created through the bus and closes the
// adapter, which waits for in-flight deliveries to drain.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := b.adapter.Close()
	slog.Info("Event bus stopped")
	return err
}

// Topic resolves the topic for a record: the record-level override if set,
// otherwise the mapped event type.
func (b *Bus) Topic(rec *event.Record) string {
	if rec.Topic != "" {
		return rec.Topic
	}
	return b.mapper(rec.EventType)
}

// DLQTopic computes the dead-letter topic for an original topic.
func (b *Bus) DLQTopic(topic string) string {
	if b.dlqTopic != "" {
		return b.dlqTopic
	}
	return topic + b.dlqSuffix
}

// Publish sends a single record through the adapter. Expired records are
// rejected with *ValidationError before touching the transport.
func (b *Bus) Publish(ctx context.Context, rec *event.Record) (event.PublishResult, error) {
	if b.isClosed() {
		return event.PublishResult{}, ErrClosed
	}
	if rec.Expired(time.Now().UTC()) {
		return event.PublishResult{}, &ValidationError{
			Subject:    rec.EventType,
			Violations: []string{"event expired before publish"},
		}
	}
	topic := b.Topic(rec)
	res, err := b.adapter.Publish(ctx, topic, rec)
	if err != nil {
		return res, err
	}
	return res, nil
}

// PublishBatch publishes each record independently and returns one result per
// input, allowing partial success. Failed entries carry Success=false and the
// error detail; the first error is also returned.
func (b *Bus) PublishBatch(ctx context.Context, recs []*event.Record) ([]event.PublishResult, error) {
	results := make([]event.PublishResult, len(recs))
	var firstErr error
	for i, rec := range recs {
		res, err := b.Publish(ctx, rec)
		if err != nil {
			res = event.PublishResult{
				EventID: rec.Metadata.EventID,
				Topic:   b.Topic(rec),
				Success: false,
				Error:   err.Error(),
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		results[i] = res
	}
	return results, firstErr
}

// Subscribe registers a handler for a topic within a consumer group. The
// subscription lives until Stop or until the Start context is cancelled.
func (b *Bus) Subscribe(topic, group string, handler Handler, opts ...SubscribeOption) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.started {
		b.mu.Unlock()
		return &SubscriptionError{Topic: topic, Group: group, Cause: fmt.Errorf("bus is not started")}
	}
	ctx := b.runCtx
	b.mu.Unlock()

	if err := b.adapter.Subscribe(ctx, topic, group, handler, opts...); err != nil {
		return &SubscriptionError{Topic: topic, Group: group, Cause: err}
	}
	return nil
}

// Consume returns a pull-based stream of records for the given topics.
func (b *Bus) Consume(ctx context.Context, topics []string, cfg ConsumerConfig) (<-chan event.ConsumerRecord, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	return b.adapter.Consume(ctx, topics, cfg)
}

// Request publishes a record and waits for a reply, when the adapter
// supports request/reply.
func (b *Bus) Request(ctx context.Context, rec *event.Record, timeout time.Duration) (*event.Record, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	return b.adapter.Request(ctx, b.Topic(rec), rec, timeout)
}

// DeadLetter republishes a record to the dead-letter topic for its original
// topic, stamping the failure context into the metadata headers. The payload
// is carried unchanged.
func (b *Bus) DeadLetter(ctx context.Context, rec *event.Record, originalTopic string, retryCount int, cause error) (event.PublishResult, error) {
	if b.isClosed() {
		return event.PublishResult{}, ErrClosed
	}

	dead := *rec
	dead.Topic = b.DLQTopic(originalTopic)
	dead.Metadata.Headers = cloneHeaders(rec.Metadata.Headers)
	dead.Metadata.Headers[HeaderOriginalTopic] = originalTopic
	dead.Metadata.Headers[HeaderRetryCount] = strconv.Itoa(retryCount)
	dead.Metadata.Headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	if cause != nil {
		dead.Metadata.Headers[HeaderError] = cause.Error()
		dead.Metadata.Headers[HeaderErrorType] = fmt.Sprintf("%T", cause)
	}

	res, err := b.adapter.Publish(ctx, dead.Topic, &dead)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to publish event to dead-letter topic",
			"topic", dead.Topic, "eventID", rec.Metadata.EventID, "error", err)
		return res, err
	}
	slog.WarnContext(ctx, "Event routed to dead-letter topic",
		"topic", dead.Topic, "originalTopic", originalTopic, "eventID", rec.Metadata.EventID)
	return res, nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+5)
	for k, v := range h {
		out[k] = v
	}
	return out
}
