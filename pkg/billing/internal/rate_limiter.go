package internal

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-IP request limiter for the webhook
// endpoint. Expired windows are swept at most once per window length.
type RateLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	requests  map[string]*ipWindow
	limit     int
	window    time.Duration
	nextSweep time.Time
}

type ipWindow struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per IP in each window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		now:      time.Now,
		requests: make(map[string]*ipWindow),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether one more request from ip fits in the current window.
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.nextSweep) {
		rl.sweep(now)
		rl.nextSweep = now.Add(rl.window)
	}

	w, ok := rl.requests[ip]
	if !ok || now.After(w.resetAt) {
		rl.requests[ip] = &ipWindow{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

func (rl *RateLimiter) sweep(now time.Time) {
	for ip, w := range rl.requests {
		if now.After(w.resetAt) {
			delete(rl.requests, ip)
		}
	}
}

// Cleanup drops every expired window immediately.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(rl.now())
}

// Middleware answers 429 with a Retry-After header once the caller's IP is
// over the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(rl.window.Seconds())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the first X-Forwarded-For hop, or the host part of
// RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
