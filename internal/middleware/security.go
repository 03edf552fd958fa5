package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers to all responses. The API
// serves no HTML, so the content policy denies everything.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter counts requests per client in fixed windows.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientWindow
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	logger   *logrus.Logger
}

type clientWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per window for
// each client. Call Stop to release its sweeper goroutine.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	return newRateLimiter(limit, window, logger, time.Now)
}

func newRateLimiter(limit int, window time.Duration, logger *logrus.Logger, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		now:     now,
		stop:    make(chan struct{}),
		logger:  logger,
	}
	go rl.sweep()
	return rl
}

// sweep drops clients whose window ended long ago.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(2 * rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-2 * rl.window)
			for client, w := range rl.clients {
				if w.start.Before(cutoff) {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop stops the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow reports whether client may make another request, and if not, how
// long until its window resets.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[client]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.clients[client] = &clientWindow{start: now, count: 1}
		return true, 0
	}
	if w.count < rl.limit {
		w.count++
		return true, 0
	}
	return false, w.start.Add(rl.window).Sub(now)
}

// getClientKey identifies the client by the first forwarded address, or the
// connection's remote address.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// RateLimitMiddleware rejects clients over their limit with an S3 SlowDown error.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := getClientKey(r)

			ok, retryAfter := limiter.Allow(clientKey)
			if !ok {
				limiter.logger.WithFields(logrus.Fields{
					"client": clientKey,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")

				seconds := int(retryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeS3Error(w, r, http.StatusServiceUnavailable, "SlowDown", "Please reduce your request rate.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
