// Package main provides a command-line chat client for a resock relay. Lines
// read from stdin are sent as chat messages and inbound messages are printed.
// The connection is re-established automatically when it drops.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/resock/pkg/client"
	"github.com/codeGROOVE-dev/resock/pkg/config"
	"github.com/codeGROOVE-dev/resock/pkg/logger"
	"github.com/codeGROOVE-dev/resock/pkg/metrics"
)

// chatMessage is the envelope sent for every stdin line.
type chatMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func run() error {
	var (
		configPath  = flag.String("config", os.Getenv("RESOCK_CONFIG"), "path to a TOML config file")
		url         = flag.String("url", "", "relay WebSocket URL (overrides config)")
		configURL   = flag.String("config-url", "", "runtime config URL serving {\"ws_url\": ...} (overrides -url)")
		token       = flag.String("token", "", "bearer token (overrides config and RESOCK_CLIENT_TOKEN)")
		transport   = flag.String("transport", "", "WebSocket implementation: net or gorilla")
		logLevel    = flag.String("log-level", "", "log level: debug, info, warn or error")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address (e.g. :9100)")
		verbose     = flag.Bool("verbose", false, "show full message details")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.Client.URL = *url
		case "config-url":
			cfg.Client.ConfigURL = *configURL
		case "token":
			cfg.Client.Token = *token
		case "transport":
			cfg.Client.Transport = *transport
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	// Logs go to stderr so stdout carries only messages.
	opts, err := cfg.Log.LoggerOptions()
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(os.Stderr, opts)
	logger.SetDefault(log)

	c, err := client.New(cfg.Client.Apply(client.Config{Logger: log}))
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer c.Disconnect()

	if *metricsAddr != "" {
		stop, err := serveMetrics(*metricsAddr, c, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	c.OnStateChange(func(ev client.StateEvent) {
		if ev.Err != nil {
			log.Info("connection state changed", "from", ev.From, "to", ev.To, "cause", ev.Err)
			return
		}
		log.Info("connection state changed", "from", ev.From, "to", ev.To)
	})
	c.OnError(func(err error) {
		var parseErr *client.MessageParseError
		if errors.As(err, &parseErr) {
			log.Warn("ignored malformed message", "error", err)
		}
	})
	c.OnMessage(func(m client.Message) {
		printMessage(m, *verbose)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx, ""); err != nil {
		var authErr *client.AuthenticationError
		if errors.As(err, &authErr) || c.State() == client.Failed {
			return fmt.Errorf("connect: %w", err)
		}
		// Retries continue in the background; lines typed meanwhile are queued.
		log.Warn("initial connection not yet established; retrying in background", "error", err)
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupt")
			return nil
		case line, ok := <-lines:
			if !ok {
				return drain(c, log)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := c.Send(chatMessage{Type: "chat", Payload: line}); err != nil {
				log.Error("send failed", "error", err)
			}
		}
	}
}

// readLines forwards stdin lines until EOF.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// drain waits briefly for queued messages to be written once stdin closes.
func drain(c *client.Client, log *slog.Logger) error {
	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Pending > 0 && c.State() != client.Failed {
		if time.Now().After(deadline) {
			log.Warn("exiting with undelivered messages", "pending", c.Stats().Pending)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func serveMetrics(addr string, c *client.Client, log *slog.Logger) (func(), error) {
	reg := metrics.NewRegistry()
	if err := metrics.InstrumentClient(reg, "cli", c); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Debug("metrics server shutdown", "error", err)
		}
	}, nil
}

func printMessage(m client.Message, verbose bool) {
	timestamp := ""
	if !m.Timestamp.IsZero() {
		timestamp = m.Timestamp.Local().Format("15:04:05")
	}

	if verbose {
		fmt.Printf("\n=== Message at %s ===\n", timestamp)
		fmt.Printf("Type: %s\n", m.Type)
		fmt.Printf("ID: %s\n", m.ID)
		prettyPrintJSON(m.Raw)
		fmt.Println()
		return
	}

	var text string
	if m.Type == "chat" && json.Unmarshal(m.Payload, &text) == nil {
		fmt.Printf("[%s] %s\n", timestamp, text)
		return
	}
	fmt.Printf("[%s] %s: %s\n", timestamp, m.Type, m.Data)
}

// prettyPrintJSON prints a JSON object in a formatted, indented way.
func prettyPrintJSON(data map[string]any) {
	jsonBytes, err := json.MarshalIndent(data, "  ", "  ")
	if err != nil {
		fmt.Printf("  %v\n", data)
		return
	}
	fmt.Printf("  %s\n", string(jsonBytes))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
