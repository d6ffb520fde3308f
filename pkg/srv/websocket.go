package srv

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/resock/pkg/logger"
	"github.com/codeGROOVE-dev/resock/pkg/security"
)

// Default connection timing.
const (
	DefaultPingInterval    = 54 * time.Second
	DefaultReadTimeout     = 90 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 64 << 10
)

// Config configures the WebSocket endpoint.
type Config struct {
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token string
	// AllowedOrigins restricts browser origins. Requests without an Origin
	// header (non-browser clients) are always accepted.
	AllowedOrigins  []string
	PingInterval    time.Duration // 0 selects DefaultPingInterval; negative disables pings
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
}

// WebSocketHandler accepts relay connections. It implements http.Handler so
// that authentication and connection limits are enforced before the upgrade,
// letting clients see a real 401 or 503 status.
type WebSocketHandler struct {
	hub         *Hub
	connLimiter *security.ConnectionLimiter
	config      Config
}

type reservationKey struct{}

// envelope is the relay's view of a client message: the conventional fields
// plus everything else, preserved verbatim.
type envelope map[string]any

func (e envelope) kind() string {
	t, _ := e["type"].(string)
	return t
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(h *Hub, connLimiter *security.ConnectionLimiter, config Config) *WebSocketHandler {
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &WebSocketHandler{hub: h, connLimiter: connLimiter, config: config}
}

// PreValidateAuth reports whether the request carries the configured bearer token.
func (h *WebSocketHandler) PreValidateAuth(r *http.Request) bool {
	if h.config.Token == "" {
		return true
	}
	const bearerPrefix = "Bearer "
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return false
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.Token)) == 1
}

// ServeHTTP authenticates, reserves a connection slot and upgrades.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := security.ClientIP(r)

	if !h.PreValidateAuth(r) {
		logger.Warn(ctx, "rejected WebSocket connection: invalid or missing token", logger.Fields{"ip": ip})
		w.Header().Set("WWW-Authenticate", `Bearer realm="resock"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	token := h.connLimiter.Reserve(ip)
	if token == "" {
		logger.Warn(ctx, "connection limit exceeded", logger.Fields{"ip": ip})
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	// No-op once the handler has committed the reservation.
	defer h.connLimiter.CancelReservation(token)

	server := websocket.Server{
		Handshake: h.checkOrigin,
		Handler:   h.Handle,
	}
	server.ServeHTTP(w, r.WithContext(context.WithValue(ctx, reservationKey{}, token)))
}

func (h *WebSocketHandler) checkOrigin(_ *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 || slices.Contains(h.config.AllowedOrigins, origin) {
		return nil
	}
	logger.Warn(r.Context(), "rejected WebSocket origin", logger.Fields{"origin": origin, "ip": security.ClientIP(r)})
	return fmt.Errorf("origin %q not allowed", origin)
}

// Handle runs one upgraded connection until it closes.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	req := ws.Request()
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	ip := security.ClientIP(req)
	if token, ok := ctx.Value(reservationKey{}).(string); ok {
		if !h.connLimiter.CommitReservation(token) {
			logger.Warn(ctx, "connection reservation expired", logger.Fields{"ip": ip})
			return
		}
	} else if !h.connLimiter.Add(ip) {
		logger.Warn(ctx, "connection limit exceeded", logger.Fields{"ip": ip})
		return
	}
	defer h.connLimiter.Remove(ip)

	ws.MaxPayloadBytes = h.config.MaxMessageBytes
	client := NewClient(uuid.NewString(), ip, ws)
	if !h.hub.Register(client) {
		logger.Warn(ctx, "hub stopped; refusing connection", logger.Fields{"ip": ip})
		return
	}
	logger.Info(ctx, "WebSocket connection established", logger.Fields{"ip": ip, "client_id": client.ID})
	defer func() {
		h.hub.Unregister(client.ID)
		logger.Info(ctx, "WebSocket disconnected", logger.Fields{"ip": ip, "client_id": client.ID})
	}()

	go client.Run(ctx, h.config.PingInterval, h.config.WriteTimeout)

	h.readLoop(ctx, ws, client)
}

// readLoop routes inbound frames until the connection fails or goes silent.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, client *Client) {
	for {
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			logger.Warn(ctx, "failed to set read deadline", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}

		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				logger.Warn(ctx, "client frame too large", logger.Fields{"client_id": client.ID})
				client.sendControl(errorResponse("message_too_large", "frame exceeds the maximum message size"))
			}
			return
		}
		h.route(ctx, client, data)
	}
}

// route answers keep-alive and echo requests directly and relays the rest.
func (h *WebSocketHandler) route(ctx context.Context, client *Client, data []byte) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		logger.Warn(ctx, "invalid message from client", logger.Fields{"client_id": client.ID})
		client.sendControl(errorResponse("invalid_message", "messages must be JSON objects"))
		return
	}

	switch msg.kind() {
	case "ping":
		pong := envelope{"type": "pong"}
		if seq, ok := msg["seq"]; ok {
			pong["seq"] = seq
		}
		client.sendControl(pong)
	case "pong":
		// Read deadline already reset.
	case "echo":
		if !client.sendControl(msg) {
			logger.Warn(ctx, "dropped echo: client control buffer full", logger.Fields{"client_id": client.ID})
		}
	default:
		stamp(msg, time.Now())
		out, err := json.Marshal(msg)
		if err != nil {
			logger.Error(ctx, "failed to encode relayed message", err, logger.Fields{"client_id": client.ID})
			return
		}
		h.hub.Broadcast(client.ID, msg.kind(), out)
	}
}

// stamp fills in id and timestamp when the sender left them out.
func stamp(msg envelope, now time.Time) {
	if id, ok := msg["id"].(string); !ok || id == "" {
		msg["id"] = uuid.NewString()
	}
	if _, ok := msg["timestamp"]; !ok {
		msg["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
}

func errorResponse(code, message string) envelope {
	return envelope{"type": "error", "error": code, "message": message}
}
