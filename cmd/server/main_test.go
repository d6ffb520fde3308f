package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/resock/pkg/config"
	"github.com/codeGROOVE-dev/resock/pkg/metrics"
	"github.com/codeGROOVE-dev/resock/pkg/security"
	"github.com/codeGROOVE-dev/resock/pkg/srv"
)

func newTestServer(t *testing.T, mutate func(*config.ServerConfig), withMetrics bool) (*httptest.Server, *srv.Hub) {
	t.Helper()
	cfg := config.Defaults().Server
	cfg.Token = "tok"
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := srv.NewHub()
	go h.Run(ctx)
	rl := security.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	cl := security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal)

	c := components{hub: h, connLimiter: cl, rateLimiter: rl}
	if withMetrics {
		c.registry = metrics.NewRegistry()
		c.registry.MustRegister(metrics.NewHubCollector(h, cl.Active))
	}

	server := httptest.NewServer(newHandler(&cfg, c))
	t.Cleanup(func() {
		server.Close()
		cancel()
		h.Wait()
		rl.Stop()
		cl.Stop()
	})
	return server, h
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, nil, false)
	status, body := get(t, server.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok clients=0\n", body)
}

func TestMetricsOnlyWhenEnabled(t *testing.T) {
	off, _ := newTestServer(t, nil, false)
	status, _ := get(t, off.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, status)

	on, _ := newTestServer(t, nil, true)
	status, body := get(t, on.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "resock_hub_clients 0")
	assert.Contains(t, body, "resock_hub_connections 0")
}

func TestHealthzExemptFromRateLimit(t *testing.T) {
	server, _ := newTestServer(t, func(c *config.ServerConfig) { c.RateLimit = 1 }, false)
	for range 5 {
		status, _ := get(t, server.URL+"/healthz")
		require.Equal(t, http.StatusOK, status)
	}

	// The first /ws request uses the only token; the second is throttled.
	first, _ := get(t, server.URL+"/ws")
	assert.Equal(t, http.StatusUnauthorized, first)
	second, _ := get(t, server.URL+"/ws")
	assert.Equal(t, http.StatusTooManyRequests, second)
}

func TestRelayThroughMiddleware(t *testing.T) {
	server, h := newTestServer(t, nil, false)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	dial := func() *websocket.Conn {
		cfg, err := websocket.NewConfig(wsURL, "http://localhost/")
		require.NoError(t, err)
		cfg.Header = http.Header{"Authorization": []string{"Bearer tok"}}
		ws, err := websocket.DialConfig(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ws.Close() }) //nolint:errcheck // test cleanup
		return ws
	}
	a, b := dial(), dial()
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, websocket.JSON.Send(a, map[string]string{"type": "chat", "payload": "hello"}))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]any
	require.NoError(t, websocket.JSON.Receive(b, &got))
	assert.Equal(t, "chat", got["type"])
	assert.Equal(t, "hello", got["payload"])

	status, body := get(t, server.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok clients=2\n", body)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a.example", "b.example"}, splitList(" a.example, ,b.example "))
	assert.Nil(t, splitList(""))
}
