// Package membus is the in-process transport adapter: bounded per-topic ring
// buffers partitioned by key hash, with pull-based per-consumer-group offsets.
// It provides no durability across restarts and is intended for tests and
// single-process deployments.
package membus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/event"
)

const (
	// DefaultPartitions is the per-topic partition count.
	DefaultPartitions = 4
	// DefaultBufferSize bounds each partition ring buffer.
	DefaultBufferSize = 1024

	defaultPollInterval = 5 * time.Millisecond
)

// Config tunes the in-process broker.
type Config struct {
	Partitions   int
	BufferSize   int
	PollInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Responder produces the reply for a request/reply exchange.
type Responder func(ctx context.Context, rec *event.Record) (*event.Record, error)

type entry struct {
	rec       event.Record
	offset    int64
	timestamp time.Time
}

type partitionLog struct {
	mu      sync.Mutex
	base    int64 // offset of entries[0]
	entries []entry
	limit   int
}

func (p *partitionLog) append(rec event.Record, ts time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	offset := p.base + int64(len(p.entries))
	p.entries = append(p.entries, entry{rec: rec, offset: offset, timestamp: ts})
	if len(p.entries) > p.limit {
		drop := len(p.entries) - p.limit
		p.entries = append([]entry(nil), p.entries[drop:]...)
		p.base += int64(drop)
	}
	return offset
}

// at returns the entry at offset, clamping forward if the ring has already
// dropped it. The returned offset is the one actually read.
func (p *partitionLog) at(offset int64) (entry, int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < p.base {
		offset = p.base
	}
	idx := offset - p.base
	if idx >= int64(len(p.entries)) {
		return entry{}, offset, false
	}
	return p.entries[idx], offset, true
}

func (p *partitionLog) next() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base + int64(len(p.entries))
}

func (p *partitionLog) oldest() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base
}

type groupCursor struct {
	mu   sync.Mutex
	next []int64
}

type topicLog struct {
	parts  []*partitionLog
	mu     sync.Mutex
	groups map[string]*groupCursor
}

func (t *topicLog) cursor(group string, reset bus.OffsetReset) *groupCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.groups[group]; ok {
		return cur
	}
	cur := &groupCursor{next: make([]int64, len(t.parts))}
	for i, p := range t.parts {
		if reset == bus.OffsetEarliest {
			cur.next[i] = p.oldest()
		} else {
			cur.next[i] = p.next()
		}
	}
	t.groups[group] = cur
	return cur
}

// Broker is the in-process Adapter implementation.
type Broker struct {
	cfg Config

	mu         sync.RWMutex
	topics     map[string]*topicLog
	responders map[string]Responder
	closed     bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

var _ bus.Adapter = (*Broker)(nil)

// New creates an in-process broker.
func New(cfg Config) *Broker {
	cfg.withDefaults()
	return &Broker{
		cfg:        cfg,
		topics:     make(map[string]*topicLog),
		responders: make(map[string]Responder),
		closeCh:    make(chan struct{}),
	}
}

func (b *Broker) topic(name string) *topicLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &topicLog{
		parts:  make([]*partitionLog, b.cfg.Partitions),
		groups: make(map[string]*groupCursor),
	}
	for i := range t.parts {
		t.parts[i] = &partitionLog{limit: b.cfg.BufferSize}
	}
	b.topics[name] = t
	return t
}

func (b *Broker) partitionFor(rec *event.Record) int32 {
	key := rec.Key()
	if key == "" {
		// Keyless events hash by event id so distribution stays uniform.
		key = rec.Metadata.EventID.String()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum64() % uint64(b.cfg.Partitions))
}

// Publish appends the record to one partition of the topic's ring buffer.
func (b *Broker) Publish(ctx context.Context, topic string, rec *event.Record) (event.PublishResult, error) {
	if err := b.checkOpen(); err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return event.PublishResult{}, &bus.PublishError{Topic: topic, Event: rec, Cause: err}
	}

	t := b.topic(topic)
	part := b.partitionFor(rec)
	now := time.Now().UTC()
	offset := t.parts[part].append(*rec, now)

	return event.PublishResult{
		EventID:   rec.Metadata.EventID,
		Topic:     topic,
		Partition: part,
		Offset:    strconv.FormatInt(offset, 10),
		Timestamp: now,
		Success:   true,
	}, nil
}

// Subscribe starts a pull loop delivering records to the handler. Handler
// errors are logged and the record is not redelivered; the in-process broker
// keeps no per-message acknowledgment state.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler bus.Handler, opts ...bus.SubscribeOption) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	o := bus.NewSubscribeOptions(opts...)

	t := b.topic(topic)
	cur := t.cursor(group, o.OffsetReset)
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
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(deliveries)
		b.pullLoop(ctx, t, cur, topic, group, consumerID, deliveries)
	}()
	return nil
}

// Consume returns a pull-based stream over the given topics.
func (b *Broker) Consume(ctx context.Context, topics []string, cfg bus.ConsumerConfig) (<-chan event.ConsumerRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = uuid.NewString()
	}

	out := make(chan event.ConsumerRecord, cfg.BufferSize)
	var wg sync.WaitGroup
	for _, name := range topics {
		t := b.topic(name)
		cur := t.cursor(cfg.Group, cfg.OffsetReset)
		wg.Add(1)
		b.wg.Add(1)
		go func(name string, t *topicLog, cur *groupCursor) {
			defer b.wg.Done()
			defer wg.Done()
			b.pullLoop(ctx, t, cur, name, cfg.Group, cfg.ConsumerID, out)
		}(name, t, cur)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (b *Broker) pullLoop(ctx context.Context, t *topicLog, cur *groupCursor, topic, group, consumerID string, out chan<- event.ConsumerRecord) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		crec, ok := b.poll(t, cur, topic, group, consumerID)
		if ok {
			select {
			case out <- crec:
				continue
			case <-ctx.Done():
				return
			case <-b.closeCh:
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-b.closeCh:
			return
		case <-ticker.C:
		}
	}
}

// poll advances the group cursor by at most one record across partitions.
func (b *Broker) poll(t *topicLog, cur *groupCursor, topic, group, consumerID string) (event.ConsumerRecord, bool) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	for i, p := range t.parts {
		e, readAt, ok := p.at(cur.next[i])
		if !ok {
			cur.next[i] = readAt
			continue
		}
		cur.next[i] = readAt + 1
		return event.ConsumerRecord{
			Record:        e.rec,
			ConsumerGroup: group,
			ConsumerID:    consumerID,
			Topic:         topic,
			Partition:     int32(i),
			Offset:        strconv.FormatInt(e.offset, 10),
			DeliveredAt:   time.Now().UTC(),
			Lag:           p.next() - (e.offset + 1),
		}, true
	}
	return event.ConsumerRecord{}, false
}

// RegisterResponder installs the reply producer for a request topic.
func (b *Broker) RegisterResponder(topic string, responder Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[topic] = responder
}

// Request performs a loopback request/reply against a registered responder.
func (b *Broker) Request(ctx context.Context, topic string, rec *event.Record, timeout time.Duration) (*event.Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	responder, ok := b.responders[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no responder registered for topic %s", topic)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		rec *event.Record
		err error
	}
	done := make(chan reply, 1)
	go func() {
		r, err := responder(reqCtx, rec)
		done <- reply{rec: r, err: err}
	}()

	select {
	case r := <-done:
		return r.rec, r.err
	case <-reqCtx.Done():
		return nil, &bus.TimeoutError{Op: "request on " + topic, Timeout: timeout}
	}
}

// Close stops all pull loops and discards buffered events.
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
	return nil
}

func (b *Broker) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrClosed
	}
	return nil
}
