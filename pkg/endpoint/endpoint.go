// Package endpoint resolves the WebSocket URL a client should dial, either
// from a fixed address or from a runtime-config document served over HTTP.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/codeGROOVE-dev/resock/pkg/client"
	"github.com/codeGROOVE-dev/resock/pkg/logger"
)

const (
	clientTimeout   = 10 * time.Second
	maxConfigBytes  = 1 << 20
	defaultTTL      = 5 * time.Minute
	defaultAttempts = 3

	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// ErrInvalidURL is returned for endpoints that are not ws:// or wss:// URLs.
var ErrInvalidURL = errors.New("endpoint must be a ws:// or wss:// URL")

// Validate checks that raw is an absolute ws:// or wss:// URL.
func Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Static returns a resolver for a fixed endpoint.
func Static(raw string) (client.Resolver, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	return client.StaticURL(raw), nil
}

// Options configures an HTTPResolver.
type Options struct {
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Token      string        // sent as a bearer token when set
	TTL        time.Duration // how long a resolved URL is reused; negative disables caching
	Attempts   uint          // fetch attempts per resolution
	MaxDelay   time.Duration // cap on the delay between attempts

	// BreakerFailures consecutive failed resolutions open a circuit breaker
	// that fails fast for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// runtimeConfig is the document served by the config endpoint.
type runtimeConfig struct {
	WSURL string `json:"ws_url"`
}

// HTTPResolver fetches {"ws_url": "..."} from a runtime-config URL and caches
// the answer. When a refresh fails, the last good URL is served. Repeated
// failures open a circuit breaker so dials stop waiting on a dead config server.
type HTTPResolver struct {
	expires    time.Time
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
	configURL  string
	token      string
	cached     string
	ttl        time.Duration
	maxDelay   time.Duration
	breaker    *gobreaker.CircuitBreaker
	attempts   uint
	mu         sync.Mutex
}

// NewHTTPResolver creates a resolver reading configURL.
func NewHTTPResolver(configURL string, opts Options) *HTTPResolver {
	r := &HTTPResolver{
		configURL:  configURL,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     opts.Logger,
		token:      opts.Token,
		ttl:        opts.TTL,
		attempts:   opts.Attempts,
		maxDelay:   opts.MaxDelay,
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: clientTimeout}
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = logger.Default()
	}
	if r.ttl == 0 {
		r.ttl = defaultTTL
	}
	if r.attempts == 0 {
		r.attempts = defaultAttempts
	}
	if r.maxDelay <= 0 {
		r.maxDelay = 30 * time.Second
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    configURL,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Rejected credentials and abandoned waits say nothing about the server's health.
		IsSuccessful: func(err error) bool {
			var authErr *client.AuthenticationError
			return err == nil || errors.As(err, &authErr) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("runtime config circuit breaker state changed",
				"config_url", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

// ResolveURL implements client.Resolver.
func (r *HTTPResolver) ResolveURL(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.cached != "" && now.Before(r.expires) {
		return r.cached, nil
	}

	v, err := r.breaker.Execute(func() (any, error) {
		return r.fetch(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("runtime config unavailable: %w", err)
	}
	if err != nil {
		var authErr *client.AuthenticationError
		if r.cached != "" && !errors.As(err, &authErr) && ctx.Err() == nil {
			r.logger.Warn("runtime config refresh failed; using last known endpoint",
				"config_url", r.configURL, "ws_url", r.cached, "error", err)
			return r.cached, nil
		}
		return "", err
	}

	wsURL, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("runtime config: unexpected result %T", v)
	}
	if wsURL != r.cached {
		r.logger.Info("resolved WebSocket endpoint", "config_url", r.configURL, "ws_url", wsURL)
	}
	r.cached = wsURL
	if r.ttl > 0 {
		r.expires = r.clock.Now().Add(r.ttl)
	} else {
		r.expires = time.Time{}
	}
	return wsURL, nil
}

// Invalidate forces the next ResolveURL to refetch.
func (r *HTTPResolver) Invalidate() {
	r.mu.Lock()
	r.expires = time.Time{}
	r.mu.Unlock()
}

// fetch retrieves and validates the runtime config, retrying transient failures.
func (r *HTTPResolver) fetch(ctx context.Context) (string, error) {
	var wsURL string
	var lastErr error

	// Retry with exponential backoff and jitter for transient failures
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.configURL, http.NoBody)
			if err != nil {
				lastErr = fmt.Errorf("failed to create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", "resock/1.0")
			if r.token != "" {
				req.Header.Set("Authorization", "Bearer "+r.token)
			}

			resp, err := r.httpClient.Do(req)
			if err != nil {
				lastErr = fmt.Errorf("failed to fetch runtime config: %w", err)
				if ctx.Err() != nil {
					return retry.Unrecoverable(lastErr)
				}
				return lastErr
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					r.logger.Debug("failed to close response body", "error", err)
				}
			}()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes))
			if err != nil {
				lastErr = fmt.Errorf("failed to read runtime config: %w", err)
				return lastErr
			}

			switch {
			case resp.StatusCode == http.StatusOK:
				var cfg runtimeConfig
				if err := json.Unmarshal(body, &cfg); err != nil {
					lastErr = fmt.Errorf("failed to parse runtime config: %w", err)
					return retry.Unrecoverable(lastErr)
				}
				if err := Validate(cfg.WSURL); err != nil {
					lastErr = fmt.Errorf("runtime config ws_url: %w", err)
					return retry.Unrecoverable(lastErr)
				}
				wsURL = cfg.WSURL
				return nil

			case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
				lastErr = client.NewAuthenticationError(
					fmt.Sprintf("runtime config rejected credentials (%d %s)", resp.StatusCode, http.StatusText(resp.StatusCode)))
				return retry.Unrecoverable(lastErr)

			case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
				lastErr = fmt.Errorf("runtime config server error: %d", resp.StatusCode)
				return lastErr

			default:
				lastErr = fmt.Errorf("unexpected runtime config status: %d", resp.StatusCode)
				return retry.Unrecoverable(lastErr)
			}
		},
		retry.Attempts(r.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(r.maxDelay),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("runtime config fetch failed (will retry)", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}
	return wsURL, nil
}
