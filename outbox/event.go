// Package outbox implements the transactional store-and-forward layer: events
// are written in the same transaction as the caller's business change and
// later published by a background dispatcher with retry, dead-lettering, and
// crash recovery.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tautly/eventgrid/event"
)

// Event is one persisted outbox row. It is created inside the caller's
// transaction and mutated only by the dispatcher until it reaches a terminal
// status.
type Event struct {
	ID           uuid.UUID
	EventID      uuid.UUID
	EventType    string
	TenantID     string
	Data         json.RawMessage
	Metadata     json.RawMessage // serialized envelope, event_id excluded
	Topic        string
	PartitionKey string
	Status       Status
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ScheduledAt  *time.Time
	PublishedAt  *time.Time
	LastError    string
}

// FromRecord converts an event record into a pending outbox row. The topic
// defaults to the record's topic override, falling back to the event type.
func FromRecord(rec *event.Record) (*Event, error) {
	if rec == nil {
		return nil, fmt.Errorf("event record is required")
	}
	if rec.EventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	if rec.Metadata.EventID == uuid.Nil {
		return nil, fmt.Errorf("event id is required")
	}

	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize metadata for event %s: %w", rec.Metadata.EventID, err)
	}

	topic := rec.Topic
	if topic == "" {
		topic = rec.EventType
	}

	now := time.Now().UTC()
	return &Event{
		ID:           uuid.New(),
		EventID:      rec.Metadata.EventID,
		EventType:    rec.EventType,
		TenantID:     rec.Metadata.TenantID,
		Data:         rec.Data,
		Metadata:     metadata,
		Topic:        topic,
		PartitionKey: rec.Key(),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Record reconstructs the event record for publishing, reinjecting the
// event id stored on the row.
func (e *Event) Record() (*event.Record, error) {
	var md event.Metadata
	if len(e.Metadata) > 0 {
		if err := json.Unmarshal(e.Metadata, &md); err != nil {
			return nil, fmt.Errorf("failed to deserialize metadata for outbox row %s: %w", e.ID, err)
		}
	}
	md.EventID = e.EventID
	if md.TenantID == "" {
		md.TenantID = e.TenantID
	}

	return &event.Record{
		EventType:    e.EventType,
		Data:         e.Data,
		Metadata:     md,
		PartitionKey: e.PartitionKey,
		Topic:        e.Topic,
	}, nil
}

// marshalMetadata serializes the envelope without the event_id field, which
// is stored in its own column to avoid duplication.
func marshalMetadata(md event.Metadata) (json.RawMessage, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "event_id")
	return json.Marshal(fields)
}
