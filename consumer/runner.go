package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/event"
)

// RetryCallback fires before a retry attempt with the retry number (from
// one) and the error that triggered it.
type RetryCallback func(ctx context.Context, rec event.ConsumerRecord, retry int, err error)

// SuccessCallback fires after the handler finally succeeds.
type SuccessCallback func(ctx context.Context, rec event.ConsumerRecord)

// DeadLetterCallback fires after the event was republished to the DLQ.
type DeadLetterCallback func(ctx context.Context, rec event.ConsumerRecord, err error)

// Runner wraps user handlers with the retry state machine: attempt, back off
// and retry while retries remain, and republish to the dead-letter topic once
// they are exhausted. Each delivered event is retried independently; the
// subscription's concurrency setting governs how many run in parallel.
type Runner struct {
	bus          *bus.Bus
	policy       RetryPolicy
	onRetry      RetryCallback
	onSuccess    SuccessCallback
	onDeadLetter DeadLetterCallback
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) RunnerOption {
	return func(r *Runner) { r.policy = policy.withDefaults() }
}

// OnRetry registers a callback fired before every retry.
func OnRetry(cb RetryCallback) RunnerOption {
	return func(r *Runner) { r.onRetry = cb }
}

// OnSuccess registers a callback fired when the handler succeeds.
func OnSuccess(cb SuccessCallback) RunnerOption {
	return func(r *Runner) { r.onSuccess = cb }
}

// OnDeadLetter registers a callback fired after a DLQ republish.
func OnDeadLetter(cb DeadLetterCallback) RunnerOption {
	return func(r *Runner) { r.onDeadLetter = cb }
}

// NewRunner creates a runner over the given bus.
func NewRunner(b *bus.Bus, opts ...RunnerOption) *Runner {
	r := &Runner{bus: b, policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe wraps the handler with the retry state machine and subscribes it.
func (r *Runner) Subscribe(topic, group string, handler bus.Handler, opts ...bus.SubscribeOption) error {
	return r.bus.Subscribe(topic, group, r.Wrap(handler), opts...)
}

// Wrap returns a handler that drives the retry state machine around the given
// one. The returned handler only reports an error when the event could not be
// handed to the dead-letter topic either; transports treat that as a
// redelivery request.
func (r *Runner) Wrap(handler bus.Handler) bus.Handler {
	return func(ctx context.Context, rec event.ConsumerRecord) error {
		retries := 0

		operation := func() (struct{}, error) {
			err := handler(ctx, rec)
			if err != nil && errors.Is(err, context.Canceled) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		notify := func(err error, next time.Duration) {
			retries++
			slog.WarnContext(ctx, "Handler failed, retrying",
				"eventID", rec.Record.Metadata.EventID, "topic", rec.Topic,
				"retry", retries, "backoff", next, "error", err)
			r.fireRetry(ctx, rec, retries, err)
		}

		_, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(&policyBackOff{policy: r.policy}),
			backoff.WithMaxTries(uint(r.policy.MaxRetries+1)),
			backoff.WithNotify(notify),
		)
		if err == nil {
			r.fireSuccess(ctx, rec)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		slog.ErrorContext(ctx, "Handler exhausted retries, routing to dead-letter topic",
			"eventID", rec.Record.Metadata.EventID, "topic", rec.Topic,
			"retries", retries, "error", err)
		if _, dlqErr := r.bus.DeadLetter(ctx, &rec.Record, rec.Topic, retries, err); dlqErr != nil {
			return fmt.Errorf("failed to dead-letter event %s: %w", rec.Record.Metadata.EventID, dlqErr)
		}
		r.fireDeadLetter(ctx, rec, err)
		return nil
	}
}

// Callbacks are observers only; a panicking or slow callback must never
// change the outcome of the state machine.
func (r *Runner) fireRetry(ctx context.Context, rec event.ConsumerRecord, retry int, err error) {
	if r.onRetry == nil {
		return
	}
	defer r.recoverCallback(ctx, "retry")
	r.onRetry(ctx, rec, retry, err)
}

func (r *Runner) fireSuccess(ctx context.Context, rec event.ConsumerRecord) {
	if r.onSuccess == nil {
		return
	}
	defer r.recoverCallback(ctx, "success")
	r.onSuccess(ctx, rec)
}

func (r *Runner) fireDeadLetter(ctx context.Context, rec event.ConsumerRecord, err error) {
	if r.onDeadLetter == nil {
		return
	}
	defer r.recoverCallback(ctx, "deadletter")
	r.onDeadLetter(ctx, rec, err)
}

func (r *Runner) recoverCallback(ctx context.Context, name string) {
	if rec := recover(); rec != nil {
		slog.ErrorContext(ctx, "Consumer callback panicked", "callback", name, "panic", rec)
	}
}
