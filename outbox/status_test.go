package outbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tautly/eventgrid/outbox"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    outbox.Status
		to      outbox.Status
		allowed bool
	}{
		{outbox.StatusPending, outbox.StatusProcessing, true},
		{outbox.StatusPending, outbox.StatusPublished, false},
		{outbox.StatusPending, outbox.StatusFailed, false},
		{outbox.StatusProcessing, outbox.StatusPublished, true},
		{outbox.StatusProcessing, outbox.StatusFailed, true},
		{outbox.StatusProcessing, outbox.StatusPending, true},
		{outbox.StatusProcessing, outbox.StatusDeadLetter, true},
		{outbox.StatusFailed, outbox.StatusPending, true},
		{outbox.StatusFailed, outbox.StatusDeadLetter, true},
		{outbox.StatusFailed, outbox.StatusPublished, false},
		{outbox.StatusPublished, outbox.StatusPending, false},
		{outbox.StatusPublished, outbox.StatusProcessing, false},
		{outbox.StatusDeadLetter, outbox.StatusPending, false},
		{outbox.StatusDeadLetter, outbox.StatusFailed, false},
	}

	for _, tc := range cases {
		err := outbox.ValidateTransition(tc.from, tc.to)
		if tc.allowed {
			assert.NoError(t, err, "%s -> %s should be allowed", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, outbox.ErrInvalidTransition, "%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, outbox.StatusPublished.Terminal())
	assert.True(t, outbox.StatusDeadLetter.Terminal())
	assert.False(t, outbox.StatusPending.Terminal())
	assert.False(t, outbox.StatusProcessing.Terminal())
	assert.False(t, outbox.StatusFailed.Terminal())
}

func TestStatusIsValid(t *testing.T) {
	assert.True(t, outbox.StatusPending.IsValid())
	assert.False(t, outbox.Status("archived").IsValid())
}
