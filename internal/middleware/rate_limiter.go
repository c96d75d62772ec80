package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mosync/backend/internal/config"
	"github.com/mosync/backend/internal/identity"
)

// RateLimiter enforces a per-user request budget on the sync API. Keys are
// the authenticated user when a session is present, otherwise the remote
// address, so unauthenticated probes share one bucket per host.
//
// Each key tracks a fixed one-minute window; expired windows are garbage
// collected in the background.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow
	limit   int
	burst   int
	stop    chan struct{}
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter builds a limiter allowing perMinute requests per key, with
// short bursts tolerated up to twice that.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = config.DefaultRateLimitPerMinute
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		limit:   perMinute,
		burst:   perMinute * 2,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key fits the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	// Fast path: existing window under read lock. The count increment races
	// slightly, which is acceptable for a soft limit.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.burst {
			return false
		}
		if count > rl.limit {
			slog.Warn("rate limit exceeded", "key", key, "count", count, "limit", rl.limit)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have opened the window while we upgraded.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.burst
	}

	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware rejects over-budget requests with 429 before they reach a
// handler. Run it after Auth so the key is the user, not the address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"ok":false,"error":{"kind":"rate_limited","message":"rate limit exceeded"},"retryAfterSeconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if s, ok := identity.SessionFrom(r.Context()); ok {
		return "user:" + string(s.UserID)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// Close stops the background cleanup.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stats reports the limiter's current shape, for the health endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.limit,
		"burst_size":        rl.burst,
	}
}
