// Package consumer wraps user handlers with a retry policy and dead-letter
// routing, then subscribes them to the bus.
package consumer

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how a failing handler is retried. The delay for the
// n-th retry is BaseDelay x Multiplier^n capped at MaxDelay, plus a uniform
// jitter in [-Jitter, +Jitter], floored at zero.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		Multiplier: 2.0,
		MaxDelay:   30 * time.Second,
		Jitter:     100 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Delay returns the backoff before the given retry, counted from zero.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * float64(p.Jitter)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// policyBackOff adapts a RetryPolicy to the backoff.BackOff interface.
type policyBackOff struct {
	policy RetryPolicy
	retry  int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.retry)
	b.retry++
	return d
}

func (b *policyBackOff) Reset() {
	b.retry = 0
}
