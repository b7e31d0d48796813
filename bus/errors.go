package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tautly/eventgrid/event"
)

// ErrClosed is returned by operations on a bus or adapter that has been closed.
var ErrClosed = errors.New("event bus is closed")

// PublishError reports that the transport rejected or failed to accept an
// event. Under at-least-once semantics the caller must not assume the event
// was not delivered; duplicate delivery is possible downstream.
type PublishError struct {
	Topic string
	Event *event.Record
	Cause error
}

func (e *PublishError) Error() string {
	eventID := ""
	if e.Event != nil {
		eventID = e.Event.Metadata.EventID.String()
	}
	return fmt.Sprintf("failed to publish event %s to topic %s: %v", eventID, e.Topic, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// SubscriptionError reports that a subscription could not be established.
type SubscriptionError struct {
	Topic string
	Group string
	Cause error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("failed to subscribe group %s to topic %s: %v", e.Group, e.Topic, e.Cause)
}

func (e *SubscriptionError) Unwrap() error { return e.Cause }

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// NotSupportedError reports that the adapter lacks an optional capability,
// such as request/reply.
type NotSupportedError struct {
	Capability string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("adapter does not support %s", e.Capability)
}

// ValidationError reports that an event payload failed validation before
// publish or after consume.
type ValidationError struct {
	Subject    string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, strings.Join(e.Violations, "; "))
}
