package security

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const maxBuckets = 10000 // unique IPs tracked before the stalest window is evicted

// Option configures a limiter.
type Option func(*limiterOptions)

type limiterOptions struct {
	clock clockwork.Clock
}

// WithClock substitutes the clock used for windows and reservation expiry.
func WithClock(c clockwork.Clock) Option {
	return func(o *limiterOptions) { o.clock = c }
}

func applyOptions(opts []Option) limiterOptions {
	o := limiterOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RateLimiter admits up to limit requests per IP in each fixed window.
type RateLimiter struct {
	clock   clockwork.Clock
	windows map[string]*window
	done    chan struct{}
	wg      sync.WaitGroup
	period  time.Duration
	limit   int
	mu      sync.Mutex
}

type window struct {
	ends time.Time
	used int
}

// NewRateLimiter creates a rate limiter. A non-positive period means one minute.
func NewRateLimiter(limit int, period time.Duration, opts ...Option) *RateLimiter {
	if period <= 0 {
		period = time.Minute
	}
	o := applyOptions(opts)
	rl := &RateLimiter{
		clock:   o.clock,
		windows: make(map[string]*window),
		period:  period,
		limit:   limit,
		done:    make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from ip fits in its current window.
func (rl *RateLimiter) Allow(ip string) bool {
	ok, _ := rl.Check(ip)
	return ok
}

// Check is Allow that also returns, on refusal, how long until the window resets.
func (rl *RateLimiter) Check(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	w := rl.windows[ip]
	if w == nil || !now.Before(w.ends) {
		if w == nil && len(rl.windows) >= maxBuckets {
			rl.evictStalestLocked()
		}
		rl.windows[ip] = &window{ends: now.Add(rl.period), used: 1}
		return true, 0
	}
	if w.used >= rl.limit {
		return false, w.ends.Sub(now)
	}
	w.used++
	return true, 0
}

func (rl *RateLimiter) sweepLoop() {
	defer rl.wg.Done()

	ticker := rl.clock.NewTicker(max(rl.period, time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			rl.sweep()
		case <-rl.done:
			return
		}
	}
}

// sweep drops windows that have ended.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for ip, w := range rl.windows {
		if !now.Before(w.ends) {
			delete(rl.windows, ip)
		}
	}
}

func (rl *RateLimiter) evictStalestLocked() {
	var stalest string
	var ends time.Time
	for ip, w := range rl.windows {
		if stalest == "" || w.ends.Before(ends) {
			stalest, ends = ip, w.ends
		}
	}
	if stalest != "" {
		delete(rl.windows, stalest)
	}
}

// Stop ends the sweep goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
	rl.wg.Wait()
}
