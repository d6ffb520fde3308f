package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds how long Close waits to deliver the close frame.
const closeGrace = time.Second

// GorillaDialer dials with github.com/gorilla/websocket. Unlike NetDialer it
// sees the handshake response, so 401/403 rejections are always reported as
// AuthenticationError.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 30 * time.Second
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake body is informational only
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, &AuthenticationError{message: "Authentication failed (401 Unauthorized): invalid or missing token"}
			case http.StatusForbidden:
				return nil, &AuthenticationError{message: "Authentication failed (403 Forbidden): check the token"}
			default:
				return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
			}
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &gorillaConn{ws: ws}, nil
}

type gorillaConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *gorillaConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) Write(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)) //nolint:errcheck // peer may already be gone
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
