// Package bus provides the transport-agnostic event bus: a single Adapter
// contract with pluggable backends and a facade adding batch publish,
// dead-letter routing, and lifecycle management.
package bus

import (
	"context"
	"time"

	"github.com/tautly/eventgrid/event"
)

// Handler processes one delivered record. A nil return acknowledges the
// delivery; an error requests redelivery on transports that support it.
type Handler func(ctx context.Context, rec event.ConsumerRecord) error

// OffsetReset controls where a new consumer group begins reading.
type OffsetReset string

const (
	// OffsetEarliest starts from the oldest retained entry.
	OffsetEarliest OffsetReset = "earliest"
	// OffsetLatest starts from entries appended after the subscription.
	OffsetLatest OffsetReset = "latest"
)

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	Concurrency int
	OffsetReset OffsetReset
}

// SubscribeOption mutates SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

// WithConcurrency sets the number of handler workers for the subscription.
func WithConcurrency(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithOffsetReset sets where a fresh consumer group begins reading.
func WithOffsetReset(reset OffsetReset) SubscribeOption {
	return func(o *SubscribeOptions) { o.OffsetReset = reset }
}

// NewSubscribeOptions applies opts over the defaults (one worker, latest
// offset). Adapters use it to normalize subscription settings.
func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{Concurrency: 1, OffsetReset: OffsetLatest}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ConsumerConfig tunes a pull-based Consume stream.
type ConsumerConfig struct {
	Group       string
	ConsumerID  string
	OffsetReset OffsetReset
	// BufferSize bounds the delivery channel.
	BufferSize int
}

// Adapter is the capability contract every concrete transport implements.
// All adapters provide at-least-once delivery; consumers must tolerate
// duplicates.
type Adapter interface {
	// Publish appends the record to the topic and returns its assigned
	// position. Failures are reported as *PublishError.
	Publish(ctx context.Context, topic string, rec *event.Record) (event.PublishResult, error)

	// Subscribe registers a handler for a topic within a consumer group.
	// Delivery runs on adapter-owned goroutines until ctx is cancelled or
	// the adapter is closed.
	Subscribe(ctx context.Context, topic, group string, handler Handler, opts ...SubscribeOption) error

	// Consume returns a pull-based stream of records for the given topics.
	// The channel is closed when ctx is cancelled or the adapter is closed.
	Consume(ctx context.Context, topics []string, cfg ConsumerConfig) (<-chan event.ConsumerRecord, error)

	// Request publishes a record and waits for a reply. Optional: adapters
	// without request/reply return *NotSupportedError.
	Request(ctx context.Context, topic string, rec *event.Record, timeout time.Duration) (*event.Record, error)

	// Close shuts down the transport connection. Subsequent operations
	// return ErrClosed.
	Close() error
}

// RequestNotSupported is a ready-made Request implementation for adapters
// without request/reply.
func RequestNotSupported(context.Context, string, *event.Record, time.Duration) (*event.Record, error) {
	return nil, &NotSupportedError{Capability: "request/reply"}
}
