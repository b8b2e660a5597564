package ratelimit

import (
	"sync"
	"time"
)

// Window is the trailing period a provider limit applies to.
const Window = 60 * time.Second

// Limiter admits calls per provider using a sliding window of timestamps.
// A limit <= 0 means unlimited.
type Limiter struct {
	mu           sync.Mutex
	limits       map[string]int
	defaultLimit int
	windows      map[string][]time.Time
	now          func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithLimits sets per-provider calls per window.
func WithLimits(limits map[string]int) Option {
	return func(l *Limiter) {
		for k, v := range limits {
			l.limits[k] = v
		}
	}
}

// WithDefaultLimit applies to providers without an explicit limit.
func WithDefaultLimit(n int) Option {
	return func(l *Limiter) { l.defaultLimit = n }
}

// WithClock overrides time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		limits:  make(map[string]int),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records a call for provider and returns true if it fits the window.
func (l *Limiter) Admit(provider string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(provider)
	if limit <= 0 {
		return true
	}
	w := l.prune(provider, now)
	if len(w) >= limit {
		return false
	}
	l.windows[provider] = append(w, now)
	return true
}

// Remaining returns calls left in the current window, or -1 if unlimited.
func (l *Limiter) Remaining(provider string) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(provider)
	if limit <= 0 {
		return -1
	}
	return limit - len(l.prune(provider, now))
}

// SetLimit changes provider's limit. Existing timestamps are kept.
func (l *Limiter) SetLimit(provider string, n int) {
	l.mu.Lock()
	l.limits[provider] = n
	l.mu.Unlock()
}

func (l *Limiter) limitFor(provider string) int {
	if n, ok := l.limits[provider]; ok {
		return n
	}
	return l.defaultLimit
}

// prune drops timestamps outside the trailing window. Caller holds mu.
func (l *Limiter) prune(provider string, now time.Time) []time.Time {
	w := l.windows[provider]
	cut := 0
	for cut < len(w) && now.Sub(w[cut]) >= Window {
		cut++
	}
	if cut > 0 {
		w = append(w[:0], w[cut:]...)
		l.windows[provider] = w
	}
	return w
}
