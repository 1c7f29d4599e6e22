// Package ratelimit provides sliding-window rate limiting for provider
// calls. Providers are a small fixed set of long-lived keys, so windows are
// created on first use and never evicted.
package ratelimit

import (
	"sync"
	"time"
)

// window tracks call timestamps for one provider.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	limit      int
}

// Limiter enforces a per-provider calls-per-window ceiling. A provider with
// no configured limit is unrestricted.
type Limiter struct {
	mu        sync.RWMutex
	windows   map[string]*window
	windowDur time.Duration
	now       func() time.Time
}

// New creates a limiter with the given window duration.
func New(windowDur time.Duration) *Limiter {
	return &Limiter{
		windows:   make(map[string]*window),
		windowDur: windowDur,
		now:       time.Now,
	}
}

// SetLimit configures the max calls per window for a provider. A limit of 0
// removes the restriction.
func (l *Limiter) SetLimit(provider string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.windows, provider)
		return
	}
	if w, ok := l.windows[provider]; ok {
		w.mu.Lock()
		w.limit = limit
		w.mu.Unlock()
		return
	}
	l.windows[provider] = &window{limit: limit}
}

// Allow reports whether a call to the provider may proceed now. When denied,
// retryAfter is the wait until the oldest in-window call expires.
func (l *Limiter) Allow(provider string) (allowed bool, retryAfter time.Duration) {
	l.mu.RLock()
	w, ok := l.windows[provider]
	l.mu.RUnlock()
	if !ok {
		return true, 0
	}

	now := l.now()
	cutoff := now.Add(-l.windowDur)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop timestamps that have left the window.
	valid := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	w.timestamps = valid

	if len(w.timestamps) >= w.limit {
		wait := w.timestamps[0].Add(l.windowDur).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return false, wait
	}
	w.timestamps = append(w.timestamps, now)
	return true, 0
}

// InFlight returns the current in-window call count for a provider.
func (l *Limiter) InFlight(provider string) int {
	l.mu.RLock()
	w, ok := l.windows[provider]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	cutoff := l.now().Add(-l.windowDur)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
