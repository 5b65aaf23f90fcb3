package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter keyed by client IP. The window and
// limit are constructor-injected so tests can drive the clock.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*window
}

type window struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, win time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  win,
		now:     time.Now,
		buckets: make(map[string]*window),
	}
}

// take counts one request for key and reports whether it fits the window,
// the remaining allowance, and when the window resets.
func (l *rateLimiter) take(key string) (allowed bool, remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[key]
	if b == nil || now.Sub(b.start) >= l.window {
		if len(l.buckets) > 4096 {
			l.prune(now)
		}
		b = &window{start: now}
		l.buckets[key] = b
	}
	reset = b.start.Add(l.window)
	if b.count >= l.limit {
		return false, 0, reset
	}
	b.count++
	return true, l.limit - b.count, reset
}

// prune drops expired windows; called with the lock held.
func (l *rateLimiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, k)
		}
	}
}

func (l *rateLimiter) setHeaders(w http.ResponseWriter, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}
