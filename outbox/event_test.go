package outbox_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tautly/eventgrid/event"
	"github.com/tautly/eventgrid/outbox"
)

func TestFromRecordDefaults(t *testing.T) {
	rec, err := event.NewRecord("user.created", map[string]string{"name": "ada"},
		event.WithTenantID("acme"),
		event.WithPartitionKey("user-7"),
	)
	require.NoError(t, err)

	ev, err := outbox.FromRecord(rec)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, rec.Metadata.EventID, ev.EventID)
	assert.Equal(t, "user.created", ev.EventType)
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, "user-7", ev.PartitionKey)
	assert.Equal(t, "user.created", ev.Topic, "topic defaults to the event type")
	assert.Equal(t, outbox.StatusPending, ev.Status)
	assert.Zero(t, ev.RetryCount)
	assert.Nil(t, ev.ScheduledAt)
	assert.Nil(t, ev.PublishedAt)
}

func TestFromRecordTopicOverride(t *testing.T) {
	rec, err := event.NewRecord("user.created", nil, event.WithTopic("users"))
	require.NoError(t, err)

	ev, err := outbox.FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "users", ev.Topic)
}

func TestFromRecordRejectsNil(t *testing.T) {
	_, err := outbox.FromRecord(nil)
	assert.Error(t, err)
}

func TestEventMetadataExcludesEventID(t *testing.T) {
	rec, err := event.NewRecord("order.placed", map[string]int{"qty": 2},
		event.WithHeader("traceparent", "00-abc"),
	)
	require.NoError(t, err)

	ev, err := outbox.FromRecord(rec)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ev.Metadata, &fields))
	assert.NotContains(t, fields, "event_id", "event id lives in its own column")
}

func TestEventRecordRoundTrip(t *testing.T) {
	rec, err := event.NewRecord("order.placed", map[string]int{"qty": 2},
		event.WithTenantID("acme"),
		event.WithPartitionKey("order-42"),
		event.WithTopic("orders"),
		event.WithHeader("traceparent", "00-abc"),
	)
	require.NoError(t, err)

	ev, err := outbox.FromRecord(rec)
	require.NoError(t, err)

	got, err := ev.Record()
	require.NoError(t, err)

	assert.Equal(t, rec.Metadata.EventID, got.Metadata.EventID)
	assert.Equal(t, rec.EventType, got.EventType)
	assert.Equal(t, "acme", got.Metadata.TenantID)
	assert.Equal(t, "order-42", got.Key())
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, "00-abc", got.Metadata.Headers["traceparent"])
	assert.JSONEq(t, string(rec.Data), string(got.Data))
}

func TestEventRecordRejectsMalformedMetadata(t *testing.T) {
	ev := &outbox.Event{
		ID:        uuid.New(),
		EventID:   uuid.New(),
		EventType: "user.created",
		Metadata:  json.RawMessage(`{not json`),
	}
	_, err := ev.Record()
	assert.Error(t, err)
}
