package security

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/resock/pkg/logger"
)

// ClientIP returns the peer address of r. Forwarding headers are ignored
// since any client can set them.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}

// CombinedMiddleware applies all security middleware in one function:
// request logging, panic recovery, security headers, rate limiting and CORS
// with an origin allowlist. Paths in exempt skip rate limiting.
func CombinedMiddleware(rl *RateLimiter, allowedOrigins []string, exempt ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)

			start := time.Now()
			logger.Debug(ctx, "HTTP request", logger.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"ip":         ip,
				"user_agent": r.UserAgent(),
				"origin":     r.Header.Get("Origin"),
			})
			// Wrap ResponseWriter to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value, not a wrapped error
						panic(rec)
					}
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error(ctx, "panic recovered", errors.New("handler panic"), logger.Fields{
						"panic": rec,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}

				fields := logger.Fields{
					"status":   wrapped.statusCode,
					"path":     r.URL.Path,
					"ip":       ip,
					"duration": time.Since(start),
				}
				if wrapped.statusCode >= 400 {
					fields["user_agent"] = r.UserAgent()
					logger.Warn(ctx, "HTTP response ERROR", fields)
				} else {
					logger.Debug(ctx, "HTTP response", fields)
				}
			}()

			if !slices.Contains(exempt, r.URL.Path) {
				if ok, wait := rl.Check(ip); !ok {
					logger.Warn(ctx, "rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path, "retry_after": wait})
					wrapped.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
					http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
					return
				}
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")
			wrapped.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			// CORS headers - only allow specific origins from allowlist
			origin := r.Header.Get("Origin")
			if origin != "" && len(allowedOrigins) > 0 {
				if slices.Contains(allowedOrigins, origin) {
					wrapped.Header().Set("Access-Control-Allow-Origin", origin)
					wrapped.Header().Set("Access-Control-Allow-Credentials", "true")
				} else {
					logger.Warn(ctx, "CORS rejected: origin not in allowed list", logger.Fields{
						"origin": origin,
						"ip":     ip,
						"path":   r.URL.Path,
					})
				}
			}

			if r.Method == http.MethodOptions {
				wrapped.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				wrapped.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				wrapped.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack hands the connection to the WebSocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.written = true
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
