// Package ratelimit bounds how many client events one connection may send per window.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultLimit is the per-window budget when none is configured.
const DefaultLimit = 120

// Limiter implements a fixed-window counter per key.
// ARCHITECTURAL DISCOVERY: Per-key state tracking with explicit Forget and periodic Cleanup prevents memory leaks
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*window
}

type window struct {
	count int
	start time.Time
}

// New creates a limiter allowing limit events per window.
func New(limit int, per time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if per <= 0 {
		per = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  per,
		now:     time.Now,
		clients: make(map[string]*window),
	}
}

// Allow records one event for key and reports whether it fits the budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, exists := l.clients[key]
	if !exists {
		// FUNCTIONAL DISCOVERY: First event always allowed, initialize tracking
		l.clients[key] = &window{count: 1, start: now}
		return true
	}

	if now.Sub(w.start) >= l.window {
		w.count = 1
		w.start = now
		return true
	}

	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops key's state, typically when its connection closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.clients, key)
	l.mu.Unlock()
}

// Cleanup removes keys idle for more than five windows and returns how many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.clients {
		if now.Sub(w.start) > 5*l.window {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Tracked reports how many keys currently hold state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
