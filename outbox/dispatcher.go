package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tautly/eventgrid/event"
)

// Publisher is the subset of the bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, rec *event.Record) (event.PublishResult, error)
}

// Config holds dispatcher tuning knobs. Zero values fall back to defaults.
type Config struct {
	// BatchSize is the maximum number of rows claimed per tick.
	BatchSize int
	// Interval is the polling interval of the dispatch loop.
	Interval time.Duration
	// RetryDelay is the base delay before a failed row is retried. The
	// actual delay doubles with every attempt, capped at 32x the base.
	RetryDelay time.Duration
	// DeadLetterThreshold is the retry count at which a row is parked in
	// dead_letter instead of being rescheduled.
	DeadLetterThreshold int
	// StuckTimeout is the age past which a processing row is considered
	// abandoned by a crashed dispatcher.
	StuckTimeout time.Duration
	// SweepInterval is how often abandoned rows are reset to pending.
	SweepInterval time.Duration
	// Retention is how long published rows are kept before deletion.
	Retention time.Duration
	// PurgeInterval is how often the retention cleanup runs.
	PurgeInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.DeadLetterThreshold <= 0 {
		c.DeadLetterThreshold = 5
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
}

// Dispatcher is a background worker that claims pending rows, publishes them,
// and drives the retry and dead-letter lifecycle. Multiple instances can run
// against the same store; the claim is atomic.
type Dispatcher struct {
	store     Store
	publisher Publisher
	cfg       Config
	wg        sync.WaitGroup
	quit      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher creates a dispatcher over the given store and publisher.
func NewDispatcher(store Store, publisher Publisher, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		quit:      make(chan struct{}),
	}
}

// Start launches the dispatch, sweep, and purge loops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		slog.InfoContext(ctx, "Outbox dispatcher started",
			"batchSize", d.cfg.BatchSize, "interval", d.cfg.Interval)
		d.loop(ctx, d.cfg.Interval, func() {
			if err := d.dispatchBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "Failed to dispatch outbox batch", "error", err)
			}
		})
		d.loop(ctx, d.cfg.SweepInterval, func() {
			if err := d.sweepStuck(ctx); err != nil {
				slog.ErrorContext(ctx, "Failed to sweep stuck outbox rows", "error", err)
			}
		})
		d.loop(ctx, d.cfg.PurgeInterval, func() {
			if err := d.purgePublished(ctx); err != nil {
				slog.ErrorContext(ctx, "Failed to purge published outbox rows", "error", err)
			}
		})
	})
}

// Stop gracefully stops all loops and waits for in-flight ticks to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, tick func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tick()
			case <-d.quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// dispatchBatch claims due rows and publishes each independently, so one
// poisoned event cannot block the rest of the batch.
func (d *Dispatcher) dispatchBatch(ctx context.Context) error {
	events, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	slog.DebugContext(ctx, "Dispatching claimed outbox rows", "count", len(events))

	for _, ev := range events {
		d.dispatchOne(ctx, ev)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ev *Event) {
	rec, err := ev.Record()
	if err != nil {
		// The row cannot be deserialized; no retry will fix it.
		slog.ErrorContext(ctx, "Dead-lettering undecodable outbox row", "id", ev.ID, "error", err)
		if dlErr := d.store.MarkDeadLetter(ctx, ev.ID, err.Error()); dlErr != nil {
			slog.ErrorContext(ctx, "Failed to dead-letter outbox row", "id", ev.ID, "error", dlErr)
		}
		return
	}

	if _, err := d.publisher.Publish(ctx, rec); err != nil {
		d.handleFailure(ctx, ev, err)
		return
	}

	if err := d.store.MarkPublished(ctx, ev.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark outbox row as published", "id", ev.ID, "error", err)
		return
	}
	slog.InfoContext(ctx, "Published outbox event",
		"id", ev.ID, "eventID", ev.EventID, "eventType", ev.EventType, "topic", ev.Topic)
}

func (d *Dispatcher) handleFailure(ctx context.Context, ev *Event, cause error) {
	retryCount := ev.RetryCount + 1
	if retryCount >= d.cfg.DeadLetterThreshold {
		slog.ErrorContext(ctx, "Outbox event exhausted retries, dead-lettering",
			"id", ev.ID, "eventID", ev.EventID, "retryCount", retryCount, "error", cause)
		if err := d.store.MarkDeadLetter(ctx, ev.ID, cause.Error()); err != nil {
			slog.ErrorContext(ctx, "Failed to dead-letter outbox row", "id", ev.ID, "error", err)
		}
		return
	}

	scheduledAt := time.Now().UTC().Add(d.retryBackoff(retryCount))
	slog.WarnContext(ctx, "Failed to publish outbox event, scheduling retry",
		"id", ev.ID, "eventID", ev.EventID, "retryCount", retryCount,
		"scheduledAt", scheduledAt, "error", cause)
	if err := d.store.MarkFailed(ctx, ev.ID, cause.Error(), retryCount, scheduledAt); err != nil {
		slog.ErrorContext(ctx, "Failed to mark outbox row as failed", "id", ev.ID, "error", err)
	}
}

// retryBackoff doubles the base delay per recorded failure, capped at 32x.
// The first retry is scheduled at twice the base delay.
func (d *Dispatcher) retryBackoff(retryCount int) time.Duration {
	shift := retryCount
	if shift > 5 {
		shift = 5
	}
	return d.cfg.RetryDelay << shift
}

func (d *Dispatcher) sweepStuck(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-d.cfg.StuckTimeout)
	n, err := d.store.ResetStuck(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.WarnContext(ctx, "Reset stuck outbox rows to pending", "count", n, "olderThan", cutoff)
	}
	return nil
}

func (d *Dispatcher) purgePublished(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-d.cfg.Retention)
	n, err := d.store.Purge(ctx, StatusPublished, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Purged published outbox rows", "count", n, "olderThan", cutoff)
	}
	return nil
}
