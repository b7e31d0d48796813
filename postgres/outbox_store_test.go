package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/tautly/eventgrid/event"
	"github.com/tautly/eventgrid/outbox"
	"github.com/tautly/eventgrid/postgres"
	"github.com/tautly/eventgrid/testutil"
)

// MockPublisher collects published records, optionally failing every call.
type MockPublisher struct {
	Published    chan *event.Record
	PublishError error
}

func (m *MockPublisher) Publish(_ context.Context, rec *event.Record) (event.PublishResult, error) {
	if m.PublishError != nil {
		return event.PublishResult{EventID: rec.Metadata.EventID}, m.PublishError
	}
	m.Published <- rec
	return event.PublishResult{EventID: rec.Metadata.EventID, Success: true}, nil
}

type OutboxStoreIntegrationSuite struct {
	testutil.DBIntegrationSuite
	store *postgres.OutboxStore
	db    *postgres.DB
}

func TestOutboxStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(OutboxStoreIntegrationSuite))
}

func (s *OutboxStoreIntegrationSuite) SetupTest() {
	s.db = &postgres.DB{Pool: s.Pool}
	s.store = postgres.NewOutboxStore(s.db)
	s.TruncateTables("outbox_events")
}

func (s *OutboxStoreIntegrationSuite) insertEvents(count int) []*outbox.Event {
	events := make([]*outbox.Event, 0, count)
	for i := 0; i < count; i++ {
		rec, err := testutil.NewUserCreatedRecord(uuid.NewString())
		s.Require().NoError(err)
		ev, err := outbox.FromRecord(rec)
		s.Require().NoError(err)

		err = s.db.WithTransaction(context.Background(), func(txCtx context.Context) error {
			return s.store.SaveTx(txCtx, ev)
		})
		s.Require().NoError(err)
		events = append(events, ev)
	}
	return events
}

func (s *OutboxStoreIntegrationSuite) TestSaveTxRequiresTransaction() {
	rec, err := testutil.NewUserCreatedRecord("u-1")
	s.Require().NoError(err)
	ev, err := outbox.FromRecord(rec)
	s.Require().NoError(err)

	err = s.store.SaveTx(context.Background(), ev)
	s.Require().Error(err)
}

func (s *OutboxStoreIntegrationSuite) TestRollbackLeavesNoRow() {
	ctx := context.Background()
	rec, err := testutil.NewUserCreatedRecord("u-1")
	s.Require().NoError(err)
	ev, err := outbox.FromRecord(rec)
	s.Require().NoError(err)

	sentinel := errors.New("business logic failed")
	err = s.db.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.store.SaveTx(txCtx, ev); err != nil {
			return err
		}
		return sentinel
	})
	s.Require().ErrorIs(err, sentinel)

	counter := testutil.NewOutboxCounter(s.Pool)
	total, err := counter.Total(ctx)
	s.Require().NoError(err)
	s.Equal(0, total, "rolled back insert must not leave a row")
}

func (s *OutboxStoreIntegrationSuite) TestClaimBatchMarksProcessing() {
	ctx := context.Background()
	s.insertEvents(3)

	claimed, err := s.store.ClaimBatch(ctx, 2)
	s.Require().NoError(err)
	s.Len(claimed, 2)
	for _, ev := range claimed {
		s.Equal(outbox.StatusProcessing, ev.Status)
	}

	counter := testutil.NewOutboxCounter(s.Pool)
	pending, err := counter.CountByStatus(ctx, "pending")
	s.Require().NoError(err)
	s.Equal(1, pending)
}

func (s *OutboxStoreIntegrationSuite) TestClaimBatchPromotesDueFailedRows() {
	ctx := context.Background()
	events := s.insertEvents(1)

	claimed, err := s.store.ClaimBatch(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	past := time.Now().UTC().Add(-time.Minute)
	s.Require().NoError(s.store.MarkFailed(ctx, events[0].ID, "broker unavailable", 1, past))

	reclaimed, err := s.store.ClaimBatch(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(reclaimed, 1)
	s.Equal(events[0].ID, reclaimed[0].ID)
	s.Equal(1, reclaimed[0].RetryCount)
	s.Equal("broker unavailable", reclaimed[0].LastError)
}

func (s *OutboxStoreIntegrationSuite) TestClaimBatchSkipsFutureScheduledRows() {
	ctx := context.Background()
	events := s.insertEvents(1)

	claimed, err := s.store.ClaimBatch(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	future := time.Now().UTC().Add(time.Hour)
	s.Require().NoError(s.store.MarkFailed(ctx, events[0].ID, "broker unavailable", 1, future))

	claimed, err = s.store.ClaimBatch(ctx, 10)
	s.Require().NoError(err)
	s.Empty(claimed)
}

func (s *OutboxStoreIntegrationSuite) TestScheduledInsertIsNotClaimedUntilDue() {
	ctx := context.Background()
	m := outbox.NewManager(s.store)

	rec, err := testutil.NewUserCreatedRecord("u-1")
	s.Require().NoError(err)

	var id uuid.UUID
	err = s.db.WithTransaction(ctx, func(txCtx context.Context) error {
		id, err = m.StoreEvent(txCtx, rec, outbox.WithScheduledAt(time.Now().UTC().Add(time.Hour)))
		return err
	})
	s.Require().NoError(err)

	claimed, err := s.store.ClaimBatch(ctx, 10)
	s.Require().NoError(err)
	s.Empty(claimed, "a row scheduled for the future must stay invisible")

	pending, err := s.store.Pending(ctx, 10, outbox.PendingOptions{IncludeScheduled: true})
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Require().NotNil(pending[0].ScheduledAt)

	_, err = s.Pool.Exec(ctx,
		`UPDATE outbox_events SET scheduled_at = now() - interval '1 second' WHERE id = $1`, id)
	s.Require().NoError(err)

	claimed, err = s.store.ClaimBatch(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(id, claimed[0].ID)
}

func (s *OutboxStoreIntegrationSuite) TestStatusTransitionsAreEnforced() {
	ctx := context.Background()
	events := s.insertEvents(1)
	id := events[0].ID

	// pending -> published is not a legal move.
	err := s.store.MarkPublished(ctx, id)
	s.Require().ErrorIs(err, outbox.ErrInvalidTransition)

	claimed, err := s.store.ClaimBatch(ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	s.Require().NoError(s.store.MarkPublished(ctx, id))

	// published is terminal.
	err = s.store.MarkDeadLetter(ctx, id, "too late")
	s.Require().ErrorIs(err, outbox.ErrInvalidTransition)
}

func (s *OutboxStoreIntegrationSuite) TestClaimedRowCanBeDeadLetteredDirectly() {
	ctx := context.Background()
	events := s.insertEvents(1)

	claimed, err := s.store.ClaimBatch(ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	s.Require().NoError(s.store.MarkDeadLetter(ctx, events[0].ID, "payload cannot be decoded"))

	counter := testutil.NewOutboxCounter(s.Pool)
	n, err := counter.CountByStatus(ctx, "dead_letter")
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *OutboxStoreIntegrationSuite) TestResetStuckReturnsAbandonedRows() {
	ctx := context.Background()
	s.insertEvents(1)

	claimed, err := s.store.ClaimBatch(ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	_, err = s.Pool.Exec(ctx,
		`UPDATE outbox_events SET updated_at = now() - interval '1 hour' WHERE id = $1`,
		claimed[0].ID)
	s.Require().NoError(err)

	n, err := s.store.ResetStuck(ctx, time.Now().UTC().Add(-30*time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	counter := testutil.NewOutboxCounter(s.Pool)
	pending, err := counter.CountByStatus(ctx, "pending")
	s.Require().NoError(err)
	s.Equal(1, pending)
}

func (s *OutboxStoreIntegrationSuite) TestPurgeRemovesOldTerminalRows() {
	ctx := context.Background()
	events := s.insertEvents(2)

	claimed, err := s.store.ClaimBatch(ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(claimed, 2)
	for _, ev := range events {
		s.Require().NoError(s.store.MarkPublished(ctx, ev.ID))
	}

	_, err = s.Pool.Exec(ctx,
		`UPDATE outbox_events SET updated_at = now() - interval '8 days' WHERE id = $1`,
		events[0].ID)
	s.Require().NoError(err)

	n, err := s.store.Purge(ctx, outbox.StatusPublished, time.Now().UTC().Add(-7*24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Purge(ctx, outbox.StatusPending, time.Now())
	s.Require().Error(err, "only terminal statuses can be purged")
}

func (s *OutboxStoreIntegrationSuite) TestDispatcherPublishesStoredEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	publisher := &MockPublisher{Published: make(chan *event.Record, 5)}
	s.insertEvents(3)

	d := outbox.NewDispatcher(s.store, publisher, outbox.Config{
		BatchSize: 2,
		Interval:  50 * time.Millisecond,
	})
	d.Start(ctx)
	defer d.Stop()

	for range 3 {
		select {
		case <-publisher.Published:
		case <-ctx.Done():
			s.Fail("test timed out waiting for events")
		}
	}

	counter := testutil.NewOutboxCounter(s.Pool)
	s.Require().Eventually(func() bool {
		n, err := counter.CountByStatus(ctx, "published")
		return err == nil && n == 3
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *OutboxStoreIntegrationSuite) TestConcurrentDispatchersDoNotShareRows() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := &MockPublisher{Published: make(chan *event.Record, 30)}
	numEvents := 15
	s.insertEvents(numEvents)

	numWorkers := 3
	dispatchers := make([]*outbox.Dispatcher, numWorkers)
	for i := range numWorkers {
		dispatchers[i] = outbox.NewDispatcher(s.store, publisher, outbox.Config{
			BatchSize: 5,
			Interval:  50 * time.Millisecond,
		})
		dispatchers[i].Start(ctx)
	}
	defer func() {
		for _, d := range dispatchers {
			d.Stop()
		}
	}()

	publishedIDs := make(map[uuid.UUID]int)
	for range numEvents {
		select {
		case rec := <-publisher.Published:
			publishedIDs[rec.Metadata.EventID]++
		case <-time.After(10 * time.Second):
			s.Fail("test timed out waiting for events")
		}
	}

	s.Len(publishedIDs, numEvents, "Should have received all unique events")
	for id, count := range publishedIDs {
		s.Equal(1, count, "Event %s was published more than once", id)
	}

	counter := testutil.NewOutboxCounter(s.Pool)
	s.Require().Eventually(func() bool {
		n, err := counter.CountByStatus(ctx, "published")
		return err == nil && n == numEvents
	}, 5*time.Second, 100*time.Millisecond)
}
