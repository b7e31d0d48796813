// Package event defines the immutable event record and metadata envelope
// shared by every transport adapter, the outbox, and the schema registry.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata is the envelope carried with every event record. EventID is
// assigned once at creation and never changes across transport hops.
type Metadata struct {
	EventID       uuid.UUID         `json:"event_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	RoutingKey    string            `json:"routing_key,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Record is an immutable event as produced by a publisher. Transport-assigned
// fields (timestamp, partition, offset) are not part of the record; they are
// reported on PublishResult after publish and on ConsumerRecord on delivery.
type Record struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata"`

	// PartitionKey overrides Metadata.PartitionKey when set.
	PartitionKey string `json:"partition_key,omitempty"`
	// Topic overrides the bus topic mapping when set.
	Topic string `json:"topic,omitempty"`
}

// Option configures a new Record.
type Option func(*Record)

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) Option {
	return func(r *Record) { r.Metadata.CorrelationID = id }
}

// WithCausationID sets the causation id.
func WithCausationID(id string) Option {
	return func(r *Record) { r.Metadata.CausationID = id }
}

// WithTrace sets the distributed tracing identifiers.
func WithTrace(traceID, spanID string) Option {
	return func(r *Record) {
		r.Metadata.TraceID = traceID
		r.Metadata.SpanID = spanID
	}
}

// WithSource sets the producing service name.
func WithSource(source string) Option {
	return func(r *Record) { r.Metadata.Source = source }
}

// WithUserID sets the acting user id.
func WithUserID(id string) Option {
	return func(r *Record) { r.Metadata.UserID = id }
}

// WithTenantID sets the tenant the event belongs to.
func WithTenantID(id string) Option {
	return func(r *Record) { r.Metadata.TenantID = id }
}

// WithSessionID sets the session id.
func WithSessionID(id string) Option {
	return func(r *Record) { r.Metadata.SessionID = id }
}

// WithPartitionKey sets the partition key used for ordered routing.
func WithPartitionKey(key string) Option {
	return func(r *Record) { r.Metadata.PartitionKey = key }
}

// WithRoutingKey sets the transport routing key.
func WithRoutingKey(key string) Option {
	return func(r *Record) { r.Metadata.RoutingKey = key }
}

// WithTopic pins the record to a specific topic, bypassing the bus topic mapper.
func WithTopic(topic string) Option {
	return func(r *Record) { r.Topic = topic }
}

// WithExpiry sets the point in time after which the record must not be published.
func WithExpiry(at time.Time) Option {
	return func(r *Record) { r.Metadata.ExpiresAt = &at }
}

// WithHeader adds a header to the metadata envelope.
func WithHeader(key, value string) Option {
	return func(r *Record) {
		if r.Metadata.Headers == nil {
			r.Metadata.Headers = make(map[string]string)
		}
		r.Metadata.Headers[key] = value
	}
}

// NewRecord creates an immutable event record. The payload is marshaled once;
// event id and creation time are assigned here and never change afterwards.
func NewRecord(eventType string, data any, opts ...Option) (*Record, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data for %s: %w", eventType, err)
	}

	rec := &Record{
		EventType: eventType,
		Data:      payload,
		Metadata: Metadata{
			EventID:   uuid.New(),
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, opt := range opts {
		opt(rec)
	}
	return rec, nil
}

// Key returns the effective partition key: the record-level override if set,
// otherwise the metadata partition key.
func (r *Record) Key() string {
	if r.PartitionKey != "" {
		return r.PartitionKey
	}
	return r.Metadata.PartitionKey
}

// Expired reports whether the record's expiry has passed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return r.Metadata.ExpiresAt != nil && now.After(*r.Metadata.ExpiresAt)
}

// PublishResult reports the outcome of publishing a single record. Offset is
// an opaque transport log position; its format depends on the adapter.
type PublishResult struct {
	EventID   uuid.UUID `json:"event_id"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition,omitempty"`
	Offset    string    `json:"offset,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ConsumerRecord wraps a delivered record with its delivery coordinates.
// Partition and offset are assigned by the adapter and immutable for this
// delivery instance.
type ConsumerRecord struct {
	Record        Record    `json:"record"`
	ConsumerGroup string    `json:"consumer_group"`
	ConsumerID    string    `json:"consumer_id"`
	Topic         string    `json:"topic"`
	Partition     int32     `json:"partition"`
	Offset        string    `json:"offset"`
	DeliveredAt   time.Time `json:"delivered_at"`
	Lag           int64     `json:"lag,omitempty"`

	// Ack confirms processing to the transport; Nak requests redelivery.
	// Both are nil on adapters that do not track per-message acknowledgment.
	Ack func() error `json:"-"`
	Nak func() error `json:"-"`
}
