package client

import (
	"errors"
	"fmt"
	"time"
)

// Default backoff settings.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitterRatio = 0.2
)

// BackoffPolicy controls the delay between reconnect attempts.
//
//	attempt 0 -> BaseDelay
//	attempt 1 -> 2*BaseDelay
//	attempt n -> min(MaxDelay, BaseDelay*2^n)
//
// The result is then scaled by a factor drawn from
// [1-JitterRatio/2, 1+JitterRatio/2) and clamped to [0, MaxDelay].
type BackoffPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 = unlimited
	JitterRatio float64
}

// DefaultBackoffPolicy returns the policy used when Config leaves it empty.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		JitterRatio: DefaultJitterRatio,
	}
}

// Validate reports whether the policy can be used.
func (p BackoffPolicy) Validate() error {
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must not be negative, got %s", p.BaseDelay)
	}
	if p.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be positive, got %s", p.MaxDelay)
	}
	if p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base delay (%s) must not exceed max delay (%s)", p.BaseDelay, p.MaxDelay)
	}
	if p.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	if p.JitterRatio < 0 || p.JitterRatio > 1 {
		return fmt.Errorf("jitter ratio must be within [0, 1], got %v", p.JitterRatio)
	}
	return nil
}

// Exhausted reports whether attempt retries have used up the policy.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay returns the wait before the retry following attempt. rnd must be in [0, 1).
func (p BackoffPolicy) Delay(attempt int, rnd float64) time.Duration {
	d := p.capped(attempt)
	if p.JitterRatio > 0 {
		d = time.Duration(float64(d) * (1 - p.JitterRatio/2 + rnd*p.JitterRatio))
	}
	if d < 0 {
		return 0
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// capped computes min(MaxDelay, BaseDelay*2^attempt) without overflowing.
func (p BackoffPolicy) capped(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for range attempt {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
