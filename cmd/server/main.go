// Package main implements the resock relay server: every JSON message a
// WebSocket client sends is broadcast to all other connected clients.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/resock/pkg/config"
	"github.com/codeGROOVE-dev/resock/pkg/logger"
	"github.com/codeGROOVE-dev/resock/pkg/metrics"
	"github.com/codeGROOVE-dev/resock/pkg/security"
	"github.com/codeGROOVE-dev/resock/pkg/srv"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// components is everything the HTTP handler is built from.
type components struct {
	hub         *srv.Hub
	connLimiter *security.ConnectionLimiter
	rateLimiter *security.RateLimiter
	registry    *prometheus.Registry // nil disables /metrics
}

// newHandler wires the relay endpoint, health and metrics behind the security middleware.
func newHandler(cfg *config.ServerConfig, c components) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", srv.NewWebSocketHandler(c.hub, c.connLimiter, cfg.Relay()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := fmt.Fprintf(w, "ok clients=%d\n", c.hub.ClientCount()); err != nil {
			logger.Debug(context.Background(), "healthz write failed", logger.Fields{"error": err.Error()})
		}
	})
	exempt := []string{"/healthz"}
	if c.registry != nil {
		mux.Handle("/metrics", metrics.Handler(c.registry))
		exempt = append(exempt, "/metrics")
	}
	return security.CombinedMiddleware(c.rateLimiter, cfg.AllowedOrigins, exempt...)(mux)
}

func run() error {
	var (
		configPath    = flag.String("config", os.Getenv("RESOCK_CONFIG"), "path to a TOML config file")
		addr          = flag.String("addr", "", "HTTP service address (overrides config)")
		token         = flag.String("token", "", "bearer token clients must present (overrides config)")
		letsencrypt   = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
		leDomains     = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
		leCacheDir    = flag.String("le-cache-dir", "", "Cache directory for Let's Encrypt certificates")
		leEmail       = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
		maxConnsPerIP = flag.Int("max-conns-per-ip", 0, "Maximum WebSocket connections per IP")
		maxConnsTotal = flag.Int("max-conns-total", 0, "Maximum total WebSocket connections")
		rateLimit     = flag.Int("rate-limit", 0, "Maximum requests per rate window per IP")
		enableMetrics = flag.Bool("metrics", false, "Serve Prometheus metrics on /metrics")
		logLevel      = flag.String("log-level", "", "log level: debug, info, warn or error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "token":
			cfg.Server.Token = *token
		case "le-domains":
			cfg.Server.LetsEncrypt.Domains = splitList(*leDomains)
		case "le-cache-dir":
			cfg.Server.LetsEncrypt.CacheDir = *leCacheDir
		case "le-email":
			cfg.Server.LetsEncrypt.Email = *leEmail
		case "max-conns-per-ip":
			cfg.Server.MaxConnsPerIP = *maxConnsPerIP
		case "max-conns-total":
			cfg.Server.MaxConnsTotal = *maxConnsTotal
		case "rate-limit":
			cfg.Server.RateLimit = *rateLimit
		case "metrics":
			cfg.Server.Metrics = *enableMetrics
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if *letsencrypt && len(cfg.Server.LetsEncrypt.Domains) == 0 {
		return errors.New("let's encrypt requires -le-domains or server.letsencrypt.domains")
	}

	opts, err := cfg.Log.LoggerOptions()
	if err != nil {
		return err
	}
	logger.SetDefault(logger.NewWithOptions(os.Stdout, opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Token == "" {
		logger.Warn(ctx, "WARNING: no token configured; any client may connect", nil)
	}

	h := srv.NewHub()
	go h.Run(ctx)

	rateLimiter := security.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(cfg.Server.MaxConnsPerIP, cfg.Server.MaxConnsTotal)
	defer connLimiter.Stop()

	c := components{hub: h, connLimiter: connLimiter, rateLimiter: rateLimiter}
	if cfg.Server.Metrics {
		c.registry = metrics.NewRegistry()
		c.registry.MustRegister(metrics.NewHubCollector(h, connLimiter.Active))
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(&cfg.Server, c),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info(context.Background(), "shutting down server...", nil)

		// Notify relay clients before the listener goes away.
		h.Stop()
		h.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "server shutdown error", err, nil)
		}
	}()

	if *letsencrypt {
		err = serveLetsEncrypt(ctx, server, cfg.Server.LetsEncrypt)
	} else {
		logger.Warn(ctx, "TLS not enabled. Use -letsencrypt for production", nil)
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": cfg.Server.Addr})
		err = server.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info(context.Background(), "server stopped", nil)
	return nil
}

// serveLetsEncrypt serves HTTPS on :443 with certificates from Let's Encrypt
// and answers ACME challenges on :80.
func serveLetsEncrypt(ctx context.Context, server *http.Server, le config.LetsEncryptConfig) error {
	if err := os.MkdirAll(le.CacheDir, 0o700); err != nil {
		return fmt.Errorf("failed to create Let's Encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(le.Domains...),
		Cache:      autocert.DirCache(le.CacheDir),
		Email:      le.Email,
	}

	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	acme := &http.Server{
		Addr:              ":80",
		Handler:           certManager.HTTPHandler(nil),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Info(ctx, "starting HTTP server on :80 for Let's Encrypt ACME challenges", nil)
		logger.Info(ctx, "NOTE: Port 80 must be accessible from the internet for certificate issuance/renewal", nil)
		if err := acme.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "HTTP ACME server error; certificate issuance/renewal may fail", err, nil)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := acme.Close(); err != nil {
			logger.Debug(context.Background(), "ACME server close", logger.Fields{"error": err.Error()})
		}
	}()

	logger.Info(ctx, "starting HTTPS server on :443 with Let's Encrypt", logger.Fields{"domains": le.Domains})
	return server.ListenAndServeTLS("", "")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
