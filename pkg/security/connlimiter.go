// Package security provides connection limiting, rate limiting and HTTP
// middleware for the relay server.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/codeGROOVE-dev/resock/pkg/logger"
)

const (
	reservationTimeout = 10 * time.Second // Upgrade must commit within this window
	maxIPEntries       = 10000            // Maximum number of IP entries to prevent memory exhaustion
)

// connectionInfo tracks connection count and last activity time.
type connectionInfo struct {
	lastActive   time.Time
	count        int
	reservations int
}

type reservation struct {
	createdAt time.Time
	ip        string
}

// ConnectionLimiter tracks connections per IP and total.
//
// Slots are claimed in two steps: Reserve before the WebSocket upgrade and
// CommitReservation once the socket is open. Reserved slots count against
// both limits, so concurrent upgrades from one IP cannot overshoot.
type ConnectionLimiter struct {
	clock        clockwork.Clock
	perIP        map[string]*connectionInfo
	reservations map[string]*reservation
	stopCleanup  chan struct{}
	stopOnce     sync.Once
	total        int
	maxPerIP     int
	maxTotal     int
	mu           sync.Mutex
}

// NewConnectionLimiter creates a new connection limiter with periodic cleanup.
func NewConnectionLimiter(maxPerIP, maxTotal int, opts ...Option) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		clock:        applyOptions(opts).clock,
		perIP:        make(map[string]*connectionInfo),
		reservations: make(map[string]*reservation),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
		stopCleanup:  make(chan struct{}),
	}

	go cl.cleanupLoop()

	return cl
}

// entryLocked returns the entry for ip, creating it if there is room.
func (cl *ConnectionLimiter) entryLocked(ip string) *connectionInfo {
	info := cl.perIP[ip]
	if info != nil {
		return info
	}
	if len(cl.perIP) >= maxIPEntries {
		cl.evictOldestInactive()
		if len(cl.perIP) >= maxIPEntries {
			return nil
		}
	}
	info = &connectionInfo{}
	cl.perIP[ip] = info
	return info
}

func (cl *ConnectionLimiter) fullLocked(info *connectionInfo) bool {
	return cl.total+len(cl.reservations) >= cl.maxTotal || info.count+info.reservations >= cl.maxPerIP
}

// Add attempts to add a connection for the given IP.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.entryLocked(ip)
	if info == nil || cl.fullLocked(info) {
		return false
	}

	info.count++
	info.lastActive = cl.clock.Now()
	cl.total++
	return true
}

// Reserve claims a slot for ip and returns a token, or "" if a limit is reached.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.entryLocked(ip)
	if info == nil || cl.fullLocked(info) {
		return ""
	}

	token := uuid.NewString()
	now := cl.clock.Now()
	info.reservations++
	info.lastActive = now
	cl.reservations[token] = &reservation{ip: ip, createdAt: now}
	return token
}

// CommitReservation turns a reservation into a connection. It reports false
// if the token is unknown or expired.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res := cl.reservations[token]
	if res == nil {
		return false
	}
	delete(cl.reservations, token)

	info := cl.perIP[res.ip]
	if info == nil {
		return false
	}
	info.reservations--
	if cl.clock.Since(res.createdAt) > reservationTimeout {
		cl.dropIfIdleLocked(res.ip, info)
		return false
	}
	info.count++
	info.lastActive = cl.clock.Now()
	cl.total++
	return true
}

// CancelReservation releases a reservation that will not be committed.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res := cl.reservations[token]
	if res == nil {
		return
	}
	delete(cl.reservations, token)
	if info := cl.perIP[res.ip]; info != nil {
		info.reservations--
		cl.dropIfIdleLocked(res.ip, info)
	}
}

// Remove removes a connection for the given IP.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if info := cl.perIP[ip]; info != nil && info.count > 0 {
		info.count--
		info.lastActive = cl.clock.Now()
		cl.total--
		cl.dropIfIdleLocked(ip, info)
	}
}

// Active returns the number of committed connections.
func (cl *ConnectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

func (cl *ConnectionLimiter) dropIfIdleLocked(ip string, info *connectionInfo) {
	if info.count == 0 && info.reservations == 0 {
		delete(cl.perIP, ip)
	}
}

// cleanupLoop periodically removes stale entries.
func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := cl.clock.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			cl.cleanup()
		case <-cl.stopCleanup:
			return
		}
	}
}

// cleanup removes expired reservations and the entries they leave idle.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.clock.Now()
	expired := 0
	for token, res := range cl.reservations {
		if now.Sub(res.createdAt) > reservationTimeout {
			delete(cl.reservations, token)
			if info := cl.perIP[res.ip]; info != nil {
				info.reservations--
			}
			expired++
		}
	}

	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && info.reservations == 0 {
			delete(cl.perIP, ip)
			cleaned++
		}
	}

	if cleaned > 0 || expired > 0 {
		logger.Info(context.Background(), "ConnectionLimiter: cleaned up stale entries", logger.Fields{
			"ip_entries":   cleaned,
			"reservations": expired,
		})
	}
}

// evictOldestInactive removes the oldest inactive entry (must be called with lock held).
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldestTime time.Time

	for ip, info := range cl.perIP {
		if info.count == 0 && info.reservations == 0 && (oldestIP == "" || info.lastActive.Before(oldestTime)) {
			oldestIP = ip
			oldestTime = info.lastActive
		}
	}

	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
