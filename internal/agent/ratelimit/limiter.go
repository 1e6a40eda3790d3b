// Package ratelimit admits model requests per provider over a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow   = time.Minute
	DefaultCapacity = 20
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed     bool
	WaitSeconds int
}

// Limiter keeps, per provider, the timestamps of requests inside the window.
// It is shared by every conversation in the process.
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	capacity   int
	capacities map[string]int
	requests   map[string][]time.Time
	now        func() time.Time
}

// New creates a limiter admitting capacity requests per window for each provider.
func New(capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window:     window,
		capacity:   capacity,
		capacities: make(map[string]int),
		requests:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// SetCapacity overrides the capacity for one provider.
func (l *Limiter) SetCapacity(provider string, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if capacity <= 0 {
		delete(l.capacities, provider)
		return
	}
	l.capacities[provider] = capacity
}

// Check reports whether a request for provider would be admitted now.
func (l *Limiter) Check(provider string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(provider, l.now())
}

// Record notes a request for provider.
func (l *Limiter) Record(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests[provider] = append(l.requests[provider], l.now())
}

// Admit checks and records in one step, so concurrent callers cannot both
// take the last slot.
func (l *Limiter) Admit(provider string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	d := l.checkLocked(provider, now)
	if d.Allowed {
		l.requests[provider] = append(l.requests[provider], now)
	}
	return d
}

// Usage returns the requests counted in the current window and the capacity.
func (l *Limiter) Usage(provider string) (used, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(provider, l.now())
	return len(l.requests[provider]), l.capacityLocked(provider)
}

func (l *Limiter) checkLocked(provider string, now time.Time) Decision {
	l.pruneLocked(provider, now)
	stamps := l.requests[provider]
	if len(stamps) < l.capacityLocked(provider) {
		return Decision{Allowed: true}
	}

	remaining := l.window - now.Sub(stamps[0])
	wait := int((remaining + time.Second - 1) / time.Second)
	if wait < 0 {
		wait = 0
	}
	return Decision{Allowed: false, WaitSeconds: wait}
}

func (l *Limiter) pruneLocked(provider string, now time.Time) {
	stamps := l.requests[provider]
	cutoff := now.Add(-l.window)
	keep := 0
	for keep < len(stamps) && !stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		l.requests[provider] = append(stamps[:0:0], stamps[keep:]...)
	}
}

func (l *Limiter) capacityLocked(provider string) int {
	if c, ok := l.capacities[provider]; ok {
		return c
	}
	return l.capacity
}
