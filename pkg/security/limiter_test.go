package security

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLimiterLimits(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	assert.True(t, cl.Add("192.168.1.1"))
	assert.True(t, cl.Add("192.168.1.1"))
	assert.False(t, cl.Add("192.168.1.1"), "per-IP limit")

	require.True(t, cl.Add("192.168.1.2"))
	require.True(t, cl.Add("192.168.1.2"))
	require.True(t, cl.Add("192.168.1.3"))
	assert.False(t, cl.Add("192.168.1.4"), "total limit")

	cl.Remove("192.168.1.1")
	assert.True(t, cl.Add("192.168.1.4"))
	assert.Equal(t, 5, cl.Active())

	// Removing an unknown IP is a no-op.
	cl.Remove("10.9.9.9")
	assert.Equal(t, 5, cl.Active())
}

func TestConnectionLimiterReservationsCountAgainstLimits(t *testing.T) {
	cl := NewConnectionLimiter(2, 10)
	defer cl.Stop()

	a, b := cl.Reserve("10.0.0.1"), cl.Reserve("10.0.0.1")
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.Empty(t, cl.Reserve("10.0.0.1"), "pending reservations hold slots")
	assert.False(t, cl.Add("10.0.0.1"))
	assert.Equal(t, 0, cl.Active(), "reservations are not active connections")

	cl.CancelReservation(a)
	cl.CancelReservation(a) // unknown tokens are ignored
	require.True(t, cl.CommitReservation(b))
	assert.False(t, cl.CommitReservation(b), "a token commits once")
	assert.Equal(t, 1, cl.Active())
	assert.NotEmpty(t, cl.Reserve("10.0.0.1"))
}

func TestConnectionLimiterConcurrentReservations(t *testing.T) {
	const perIP = 10
	cl := NewConnectionLimiter(perIP, 1000)
	defer cl.Stop()

	var committed, refused atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := cl.Reserve("192.168.1.1")
			if token == "" {
				refused.Add(1)
				return
			}
			time.Sleep(10 * time.Microsecond)
			if cl.CommitReservation(token) {
				committed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, perIP, committed.Load())
	assert.EqualValues(t, 40, refused.Load())
	cl.mu.Lock()
	defer cl.mu.Unlock()
	assert.Empty(t, cl.reservations, "no reservation may leak")
}

func TestConnectionLimiterConcurrentAddRemove(t *testing.T) {
	cl := NewConnectionLimiter(5, 100)
	defer cl.Stop()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip := fmt.Sprintf("192.168.1.%d", i)
			for range 100 {
				if cl.Add(ip) {
					cl.Remove(ip)
				}
			}
		}()
	}
	wg.Wait()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	assert.Zero(t, cl.total)
	assert.Empty(t, cl.perIP)
}

func TestConnectionLimiterReservationExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cl := NewConnectionLimiter(1, 10, WithClock(clock))
	defer cl.Stop()

	late := cl.Reserve("10.0.0.1")
	require.NotEmpty(t, late)
	clock.Advance(reservationTimeout + time.Second)
	assert.False(t, cl.CommitReservation(late), "an upgrade that took too long loses its slot")
	assert.NotEmpty(t, cl.Reserve("10.0.0.1"), "the expired slot is free again")

	abandoned := cl.Reserve("10.0.0.2")
	require.NotEmpty(t, abandoned)
	clock.Advance(reservationTimeout + time.Second)
	cl.cleanup()

	cl.mu.Lock()
	assert.Empty(t, cl.reservations)
	assert.Empty(t, cl.perIP)
	cl.mu.Unlock()
	assert.False(t, cl.CommitReservation(abandoned))
}

func TestConnectionLimiterStopIsIdempotent(t *testing.T) {
	cl := NewConnectionLimiter(1, 1)
	cl.Stop()
	cl.Stop()
}

func TestRateLimiterWindows(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, time.Minute, WithClock(clock))
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))

	clock.Advance(20 * time.Second)
	ok, wait := rl.Check("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, wait)
	assert.True(t, rl.Allow("10.0.0.2"), "each IP has its own window")

	clock.Advance(40 * time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "a new window starts when the old one ends")
}

func TestRateLimiterSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(1, time.Minute, WithClock(clock))
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	clock.Advance(30 * time.Second)
	rl.Allow("10.0.0.2")
	clock.Advance(30 * time.Second)
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.windows, "10.0.0.1")
	assert.Contains(t, rl.windows, "10.0.0.2")
}

func TestRateLimiterEvictsStalestWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(1, time.Minute, WithClock(clock))
	defer rl.Stop()

	for i := range maxBuckets {
		rl.Allow(fmt.Sprintf("ip-%d", i))
		if i == 0 {
			clock.Advance(time.Second)
		}
	}
	assert.True(t, rl.Allow("newcomer"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.windows, maxBuckets)
	assert.NotContains(t, rl.windows, "ip-0")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		header     string
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ignores X-Forwarded-For", "192.168.1.1:12345", "10.0.0.1", "192.168.1.1"},
		{"no port", "192.168.1.1", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"ipv6 zone", "[fe80::1%eth0]:443", "", "fe80::1"},
		{"bare bracketed ipv6", "[2001:db8::2]", "", "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.header != "" {
				req.Header.Set("X-Forwarded-For", tt.header)
				req.Header.Set("X-Real-IP", tt.header)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func BenchmarkConnectionLimiterReservation(b *testing.B) {
	cl := NewConnectionLimiter(100, 10000)
	defer cl.Stop()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if token := cl.Reserve("192.168.1.1"); token != "" && cl.CommitReservation(token) {
				cl.Remove("192.168.1.1")
			}
		}
	})
}
