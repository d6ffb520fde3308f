package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture swaps the default logger for one writing JSON to a buffer.
func capture(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	SetDefault(NewWithOptions(&buf, Options{Level: level, JSON: true}))
	return &buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		out = append(out, rec)
	}
	return out
}

func TestPackageLevelHelpers(t *testing.T) {
	buf := capture(t, slog.LevelDebug)
	ctx := context.Background()

	Debug(ctx, "HTTP request", Fields{"path": "/ws", "ip": "10.0.0.1"})
	Info(ctx, "client connected", Fields{"client_id": "c-1", "clients": 2})
	Warn(ctx, "rate limit exceeded", Fields{"ip": "10.0.0.1"})
	Error(ctx, "read failed", errors.New("unexpected EOF"), Fields{"client_id": "c-1"})

	recs := records(t, buf)
	require.Len(t, recs, 4)

	tests := []struct {
		level string
		msg   string
		attrs map[string]any
	}{
		{"DEBUG", "HTTP request", map[string]any{"path": "/ws", "ip": "10.0.0.1"}},
		{"INFO", "client connected", map[string]any{"client_id": "c-1", "clients": float64(2)}},
		{"WARN", "rate limit exceeded", map[string]any{"ip": "10.0.0.1"}},
		{"ERROR", "read failed", map[string]any{"client_id": "c-1", "error": "unexpected EOF"}},
	}
	for i, tt := range tests {
		rec := recs[i]
		assert.Equal(t, tt.level, rec["level"])
		assert.Equal(t, tt.msg, rec["msg"])
		assert.Equal(t, Hostname(), rec["instance"])
		for k, v := range tt.attrs {
			assert.Equal(t, v, rec[k], "%s: attribute %s", tt.msg, k)
		}
	}
}

func TestErrorOmitsNilError(t *testing.T) {
	buf := capture(t, slog.LevelInfo)
	Error(context.Background(), "hub stopped", nil, nil)

	recs := records(t, buf)
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0], "error")
}

func TestDebugFilteredAtInfo(t *testing.T) {
	buf := capture(t, slog.LevelInfo)
	Debug(context.Background(), "frame received", Fields{"bytes": 12})
	assert.Zero(t, buf.Len())
}

func TestTextFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })
	SetDefault(New(&buf))

	Info(context.Background(), "relay listening", Fields{"tls": false, "addr": ":8080", "metrics": true})

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="relay listening"`)
	a, m, tl := strings.Index(out, "addr="), strings.Index(out, "metrics="), strings.Index(out, "tls=")
	assert.True(t, a < m && m < tl, "fields out of order: %s", out)
}

func TestSourceIsShortened(t *testing.T) {
	buf := capture(t, slog.LevelInfo)
	Info(context.Background(), "where", nil)

	recs := records(t, buf)
	require.Len(t, recs, 1)
	src, ok := recs[0]["source"].(map[string]any)
	require.True(t, ok, "source attribute missing: %v", recs[0])
	file, _ := src["file"].(string)
	assert.NotEmpty(t, file)
	assert.NotContains(t, file, "/")
	assert.Empty(t, src["function"])
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	before := Default()
	SetDefault(nil)
	assert.Same(t, before, Default())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "verbose", want: slog.LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
