package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/server/handlers"
)

// RateLimiter gives each client a fixed budget of webhook deliveries per
// path and window. A rule with no max disables it.
type RateLimiter struct {
	rule config.RateLimitRule
	now  func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	stop     chan struct{}
	stopOnce sync.Once
	swept    sync.WaitGroup
}

type window struct {
	start time.Time
	used  int
}

// NewRateLimiter starts a limiter and the sweeper that forgets idle clients.
func NewRateLimiter(rule config.RateLimitRule) *RateLimiter {
	return newRateLimiter(rule, time.Now)
}

func newRateLimiter(rule config.RateLimitRule, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		rule:    rule,
		now:     now,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	if rl.enabled() {
		rl.swept.Add(1)
		go rl.sweepLoop()
	}
	return rl
}

func (rl *RateLimiter) enabled() bool {
	return rl.rule.Max > 0 && rl.rule.Window > 0
}

// Allow spends one request from key's budget. When the budget is gone it
// returns false and the time until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	_, retry, ok := rl.take(key)
	return ok, retry
}

func (rl *RateLimiter) take(key string) (remaining int, retry time.Duration, ok bool) {
	if !rl.enabled() {
		return 0, 0, true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.windows[key]
	if w == nil || now.Sub(w.start) >= rl.rule.Window {
		w = &window{start: now}
		rl.windows[key] = w
	}
	if w.used >= rl.rule.Max {
		return 0, rl.rule.Window - now.Sub(w.start), false
	}
	w.used++
	return rl.rule.Max - w.used, 0, true
}

// sweep drops windows that ended before now.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.rule.Window {
			delete(rl.windows, key)
		}
	}
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func (rl *RateLimiter) sweepLoop() {
	defer rl.swept.Done()
	ticker := time.NewTicker(rl.rule.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
	rl.swept.Wait()
}

// Middleware answers over-budget requests with 429 and Retry-After and
// reports the remaining budget on every other response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.enabled() {
		return next
	}
	limit := strconv.Itoa(rl.rule.Max)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retry, ok := rl.take(clientIP(r) + " " + r.URL.Path)
		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			metrics.RecordWebhookRequest("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			handlers.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first forwarded address so clients behind a proxy
// get separate budgets.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
