package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is wrapped by the ConnectionError returned when the
	// first connection does not open within FirstConnectTimeout.
	ErrConnectTimeout = errors.New("timed out waiting for first connection")

	// ErrDisconnected is returned to callers waiting in Connect when
	// Disconnect is called before the socket opens.
	ErrDisconnected = errors.New("client disconnected")

	// ErrQueueFull is reported on the error channel when MaxPending is exceeded
	// and the oldest pending message is dropped.
	ErrQueueFull = errors.New("pending message queue full")

	// ErrNoResolver is returned by New when no URL resolver is configured.
	ErrNoResolver = errors.New("url resolver is required")
)

// ConnectionError is returned by Connect when the first connection cannot be
// established: the first-connect timeout elapsed or the URL resolver failed.
// Background retries may still succeed afterwards.
type ConnectionError struct {
	Err error
	URL string
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connection failed: %v", e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError wraps a socket-level failure (dial, read or write). It is
// handled internally by scheduling a reconnect and surfaced only on the error channel.
type TransportError struct {
	Err error
	Op  string // "dial", "read" or "write"
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MessageParseError reports an inbound frame that is not a JSON object.
// It never changes the connection state.
type MessageParseError struct {
	Err  error
	Data []byte
}

func (e *MessageParseError) Error() string {
	return fmt.Sprintf("malformed inbound message (%d bytes): %v", len(e.Data), e.Err)
}

func (e *MessageParseError) Unwrap() error { return e.Err }

// AuthenticationError represents an authentication or authorization failure
// that should not trigger reconnection attempts.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

// NewAuthenticationError returns an AuthenticationError. Resolvers and dialers
// outside this package use it to stop reconnection.
func NewAuthenticationError(message string) *AuthenticationError {
	return &AuthenticationError{message: message}
}
