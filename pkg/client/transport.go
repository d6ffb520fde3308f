package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
)

// Dialer opens transport connections. Implementations must honor ctx during the handshake.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is a message-oriented connection owned exclusively by the client.
// Read is called from a single goroutine and Write from another; Close may be
// called concurrently with both and must unblock them.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte, timeout time.Duration) error
	Close() error
}

// NetDialer dials with golang.org/x/net/websocket.
type NetDialer struct {
	// Origin is sent in the handshake. Defaults to http(s)://localhost/.
	Origin string
}

// Dial implements Dialer.
func (d NetDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
		if strings.HasPrefix(url, "wss://") {
			origin = "https://localhost/"
		}
	}
	wsConfig, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	wsConfig.Header = header.Clone()
	if wsConfig.Header == nil {
		wsConfig.Header = make(http.Header)
	}

	ws, err := wsConfig.DialContext(ctx)
	if err != nil {
		if authErr := authErrorFromDial(err); authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &netConn{ws: ws}, nil
}

// authErrorFromDial maps handshake rejections to AuthenticationError.
// x/net/websocket only reports "bad status", so the status code is recovered
// from the error text when the server includes it.
func authErrorFromDial(err error) error {
	errStr := err.Error()
	if !strings.Contains(errStr, "bad status") {
		return nil
	}
	errLower := strings.ToLower(errStr)
	if strings.Contains(errStr, "403") || strings.Contains(errLower, "forbidden") {
		return &AuthenticationError{
			message: fmt.Sprintf("Authentication failed (403 Forbidden): check the token. Original error: %v", err),
		}
	}
	if strings.Contains(errStr, "401") || strings.Contains(errLower, "unauthorized") {
		return &AuthenticationError{
			message: fmt.Sprintf("Authentication failed (401 Unauthorized): invalid or missing token. Original error: %v", err),
		}
	}
	return nil
}

type netConn struct {
	ws *websocket.Conn
}

func (c *netConn) Read() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *netConn) Write(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	// Sent as a string so the frame goes out as text, not binary.
	if err := websocket.Message.Send(c.ws, string(data)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *netConn) Close() error {
	return c.ws.Close()
}
