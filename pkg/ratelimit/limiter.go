package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one fixed-window check. ResetAt feeds
// the Retry-After header on throttled API responses.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts per-caller requests in fixed windows. It serves
// single-instance deployments and acts as the fallback when redis is
// unreachable.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]callerWindow
}

type callerWindow struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		windows: make(map[string]callerWindow),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired(now)
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = callerWindow{resetAt: now.Add(l.window)}
	}
	w.count++
	l.windows[key] = w
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

func (l *InMemoryLimiter) evictExpired(now time.Time) {
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
