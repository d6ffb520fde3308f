// Package srv provides a WebSocket relay hub: every message a client sends is
// broadcast to all other connected clients.
package srv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/resock/pkg/logger"
)

// Hub manages WebSocket clients and message broadcasting.
// It runs in its own goroutine and handles client registration,
// unregistration, and message distribution.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan string
	broadcast  chan broadcastMsg
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
}

// broadcastMsg is an encoded frame and the client that must not receive it.
type broadcastMsg struct {
	from string
	kind string
	data []byte
}

// HubStats are cumulative hub counters.
type HubStats struct {
	Clients    int
	Broadcasts uint64
	Delivered  uint64
	Dropped    uint64
}

const (
	// Channel buffer sizes.
	registerBufferSize   = 100
	unregisterBufferSize = 100
	broadcastBufferSize  = 1000

	shutdownGrace = 200 * time.Millisecond
)

// NewHub creates a new client hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan string, unregisterBufferSize),
		broadcast:  make(chan broadcastMsg, broadcastBufferSize), // Limited buffer to prevent memory exhaustion
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "========================================", nil)
	logger.Info(ctx, "HUB STARTED - Fresh hub with 0 clients", nil)
	logger.Info(ctx, "========================================", nil)

	// Periodic client count logging (every minute)
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case <-ticker.C:
			s := h.Stats()
			logger.Info(ctx, "⏱️  PERIODIC CHECK", logger.Fields{
				"total_clients": s.Clients,
				"broadcasts":    s.Broadcasts,
				"dropped":       s.Dropped,
			})

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			totalClients := len(h.clients)
			h.mu.Unlock()
			logger.Info(ctx, "CLIENT REGISTERED", logger.Fields{
				"client_id":     client.ID,
				"ip":            client.IP,
				"total_clients": totalClients,
			})

		case clientID := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[clientID]
			if ok {
				delete(h.clients, clientID)
			}
			totalClients := len(h.clients)
			h.mu.Unlock()
			if !ok {
				logger.Warn(ctx, "attempted to unregister unknown client", logger.Fields{"client_id": clientID})
				continue
			}
			client.Close()
			logger.Info(ctx, "CLIENT UNREGISTERED", logger.Fields{
				"client_id":     clientID,
				"total_clients": totalClients,
			})

		case msg := <-h.broadcast:
			h.deliver(ctx, msg)
		}
	}
}

// deliver fans msg out to every client except its sender without blocking.
func (h *Hub) deliver(ctx context.Context, msg broadcastMsg) {
	// Snapshot clients to minimize lock time
	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		if id != msg.from {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	h.broadcasts.Add(1)
	delivered, dropped := 0, 0
	for _, client := range recipients {
		if client.enqueue(msg.data) {
			delivered++
			continue
		}
		dropped++
		logger.Warn(ctx, "dropped message for client: buffer full", logger.Fields{"client_id": client.ID})
	}
	h.delivered.Add(uint64(delivered))
	h.dropped.Add(uint64(dropped))

	if len(recipients) == 0 {
		logger.Debug(ctx, "broadcast with no other clients connected", logger.Fields{
			"from": msg.from,
			"type": msg.kind,
		})
		return
	}
	logger.Debug(ctx, "broadcast message", logger.Fields{
		"from":      msg.from,
		"type":      msg.kind,
		"delivered": delivered,
		"dropped":   dropped,
	})
}

// Broadcast queues an encoded frame for every client except the one with ID
// from. An empty from reaches everyone.
func (h *Hub) Broadcast(from, kind string, data []byte) {
	select {
	case h.broadcast <- broadcastMsg{from: from, kind: kind, data: data}:
	default:
		// Hub is at capacity or shutting down, drop the message
		h.dropped.Add(1)
		logger.Warn(context.Background(), "dropping broadcast: hub at capacity or shutting down", logger.Fields{"from": from})
	}
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// Register registers a new client. It reports false if the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister unregisters a client by ID.
func (h *Hub) Unregister(clientID string) {
	select {
	case h.unregister <- clientID:
	case <-h.stopped:
	}
}

// ClientCount returns the current number of connected clients.
// Safe to call from any goroutine.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns a snapshot of the hub counters. Safe to call from any goroutine.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:    h.ClientCount(),
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// cleanup notifies and closes all client connections during shutdown.
func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	// Registrations that raced with shutdown are closed too.
	for drained := false; !drained; {
		select {
		case client := <-h.register:
			clients[client.ID] = client
		default:
			drained = true
		}
	}

	logger.Info(ctx, "Hub cleanup: closing client connections gracefully", logger.Fields{
		"client_count": len(clients),
	})

	for id, client := range clients {
		if !client.sendControl(map[string]any{"type": "shutdown"}) {
			logger.Warn(ctx, "could not send shutdown notice to client: channel full", logger.Fields{"client_id": id})
		}
	}

	// Give writers a moment to flush the notice before the sockets close.
	if len(clients) > 0 {
		time.Sleep(shutdownGrace)
	}

	for _, client := range clients {
		client.Close()
	}
	logger.Info(ctx, "Hub cleanup complete", nil)
}
