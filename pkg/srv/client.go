package srv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/resock/pkg/logger"
)

const (
	sendBufferSize    = 100
	controlBufferSize = 5
)

// Client is one connected relay peer.
// Connection management follows a simple pattern:
//   - ONE goroutine (Run) handles ALL writes to avoid concurrent write issues
//   - Server sends pings every pingInterval to detect dead connections
//   - Client responds with pongs; read loop resets deadline on any message
//   - Read loop (in websocket.go) detects disconnects and closes the connection
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	control   chan []byte // pongs, echoes, errors and shutdown notices
	done      chan struct{}
	ID        string
	IP        string
	closeOnce sync.Once
}

// NewClient creates a new client.
func NewClient(id, ip string, conn *websocket.Conn) *Client {
	return &Client{
		ID:      id,
		IP:      ip,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		control: make(chan []byte, controlBufferSize),
		done:    make(chan struct{}),
	}
}

// enqueue offers a broadcast frame without blocking.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendControl offers a control message without blocking.
func (c *Client) sendControl(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.control <- data:
		return true
	default:
		return false
	}
}

// Run handles sending messages to the client and periodic pings.
// CRITICAL: This is the ONLY goroutine that writes to the WebSocket connection.
//
// Connection management:
//  1. Server sends a ping every pingInterval
//  2. Client must respond (read loop resets its deadline on any message)
//  3. If client goes silent, the read deadline disconnects it
//  4. Any write error immediately closes the connection
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer func() {
		c.Close()
		// Unblocks the read loop so the handler can unregister.
		if err := c.conn.Close(); err != nil {
			logger.Debug(ctx, "client connection close", logger.Fields{"client_id": c.ID, "error": err.Error()})
		}
	}()

	var pingC <-chan time.Time
	if pingInterval > 0 {
		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	// Sequence number for tracking ping/pong pairs (for debugging only)
	var pingSeq int64

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client context cancelled, shutting down", logger.Fields{"client_id": c.ID})
			return

		case <-c.done:
			c.drainControl(writeTimeout)
			return

		case <-pingC:
			pingSeq++
			ping, err := json.Marshal(map[string]any{"type": "ping", "seq": pingSeq})
			if err != nil {
				return
			}
			if err := c.write(ping, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case ctrl := <-c.control:
			if err := c.write(ctrl, writeTimeout); err != nil {
				logger.Warn(ctx, "client control message send failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case data := <-c.send:
			// Hub already logged delivery, so we only log failures here
			if err := c.write(data, writeTimeout); err != nil {
				logger.Warn(ctx, "client message send failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}
		}
	}
}

// drainControl flushes queued control messages (such as a shutdown notice)
// once the client has been closed.
func (c *Client) drainControl(writeTimeout time.Duration) {
	for {
		select {
		case ctrl := <-c.control:
			if err := c.write(ctrl, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// write sends a text frame to the client with a write timeout.
func (c *Client) write(data []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.conn, string(data)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close marks the client closed. Channels stay open so concurrent senders never panic.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
