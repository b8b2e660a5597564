package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/domain/repository"
	"MarketPulse/internal/service/retry"
	applogger "MarketPulse/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Source tells where a Result value came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// ErrorRecorder receives the final failure of a fetch sequence.
type ErrorRecorder interface {
	Record(label string, err error) models.ErrorRecord
}

// Fetcher performs one network attempt.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// FetchRequest describes one GetOrFetch call.
type FetchRequest struct {
	Key        string
	Provider   string
	TTL        time.Duration
	Fetch      Fetcher
	Fallback   json.RawMessage // returned on final failure, never stored
	MaxRetries int
	BaseDelay  time.Duration
}

// Result is the value served for a key.
type Result struct {
	Value    json.RawMessage
	Source   Source
	StoredAt time.Time
	Err      error // final fetch error when Source is fallback
}

// Stats are cumulative counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Shared    int64 `json:"shared"`
	Fallbacks int64 `json:"fallbacks"`
	Failures  int64 `json:"failures"`
}

type entry struct {
	v        json.RawMessage
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) live(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

type fetched struct {
	v        json.RawMessage
	storedAt time.Time
	source   Source
}

// FetchCache is a TTL store that runs at most one fetch sequence per key.
type FetchCache struct {
	mu    sync.RWMutex
	m     map[string]entry
	group singleflight.Group

	policy   *retry.Policy
	recorder ErrorRecorder
	metrics  repository.Metrics
	logger   *applogger.Logger
	now      func() time.Time

	hits, misses, shared, fallbacks, failures atomic.Int64
}

// Option configures FetchCache.
type Option func(*FetchCache)

// WithRecorder sets where final failures are reported.
func WithRecorder(r ErrorRecorder) Option {
	return func(c *FetchCache) { c.recorder = r }
}

// WithMetrics sets metrics recorder.
func WithMetrics(m repository.Metrics) Option {
	return func(c *FetchCache) { c.metrics = m }
}

// WithLogger sets logger.
func WithLogger(l *applogger.Logger) Option {
	return func(c *FetchCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time source.
func WithClock(now func() time.Time) Option {
	return func(c *FetchCache) { c.now = now }
}

func NewFetchCache(policy *retry.Policy, opts ...Option) *FetchCache {
	c := &FetchCache{
		m:      make(map[string]entry),
		policy: policy,
		logger: applogger.Nop(),
		now:    time.Now,
	}
	if c.policy == nil {
		c.policy = retry.New()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a live entry. Expired entries are evicted.
func (c *FetchCache) Get(key string) (json.RawMessage, bool) {
	v, _, ok := c.lookup(key)
	return v, ok
}

func (c *FetchCache) lookup(key string) (json.RawMessage, time.Time, bool) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, false
	}
	if !e.live(now) {
		c.mu.Lock()
		if cur, ok := c.m[key]; ok && !cur.live(now) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, time.Time{}, false
	}
	return e.v, e.storedAt, true
}

// Set stores v under key and sweeps expired entries.
func (c *FetchCache) Set(key string, v json.RawMessage, ttl time.Duration) time.Time {
	now := c.now()
	c.mu.Lock()
	for k, e := range c.m {
		if !e.live(now) {
			delete(c.m, k)
		}
	}
	c.m[key] = entry{v: v, storedAt: now, ttl: ttl}
	c.mu.Unlock()
	return now
}

// Invalidate drops key.
func (c *FetchCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, live or not yet swept.
func (c *FetchCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Stats returns cumulative counters.
func (c *FetchCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Shared:    c.shared.Load(),
		Fallbacks: c.fallbacks.Load(),
		Failures:  c.failures.Load(),
	}
}

// GetOrFetch serves a live entry, joins an in-flight fetch for the key, or
// starts one. The fetch runs detached from the caller's cancellation so other
// waiters are not affected when the first caller leaves. On final failure the
// request's Fallback is returned without being cached.
func (c *FetchCache) GetOrFetch(ctx context.Context, req FetchRequest) (Result, error) {
	if req.Fetch == nil {
		return Result{}, fmt.Errorf("cache: no fetcher for %q", req.Key)
	}
	if v, at, ok := c.lookup(req.Key); ok {
		c.hits.Add(1)
		c.observe(req.Provider, SourceCache)
		return Result{Value: v, Source: SourceCache, StoredAt: at}, nil
	}
	c.misses.Add(1)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(req.Key, func() (interface{}, error) {
		return c.fetch(detached, req)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if res.Shared {
		c.shared.Add(1)
	}

	if res.Err == nil {
		f := res.Val.(fetched)
		c.observe(req.Provider, f.source)
		return Result{Value: f.v, Source: f.source, StoredAt: f.storedAt}, nil
	}

	if req.Fallback != nil {
		c.fallbacks.Add(1)
		c.observe(req.Provider, SourceFallback)
		return Result{Value: req.Fallback, Source: SourceFallback, Err: res.Err}, nil
	}
	return Result{Err: res.Err}, res.Err
}

func (c *FetchCache) fetch(ctx context.Context, req FetchRequest) (fetched, error) {
	if v, at, ok := c.lookup(req.Key); ok {
		return fetched{v: v, storedAt: at, source: SourceCache}, nil
	}

	start := c.now()
	v, err := retry.Execute[json.RawMessage](ctx, c.policy, retry.Request{
		Key:        req.Key,
		Provider:   req.Provider,
		MaxRetries: req.MaxRetries,
		BaseDelay:  req.BaseDelay,
	}, req.Fetch)
	if c.metrics != nil {
		c.metrics.RecordLatency("fetch."+req.Provider, c.now().Sub(start).Seconds())
	}
	if err != nil {
		c.failures.Add(1)
		c.logger.Warn("cache.fetch_failed",
			applogger.String("key", req.Key),
			applogger.String("provider", req.Provider),
			applogger.Error(err),
		)
		if c.recorder != nil {
			c.recorder.Record(req.Key, err)
		}
		return fetched{}, err
	}
	if !json.Valid(v) {
		err := errs.New(errs.KindValidation, req.Provider, "fetcher returned invalid json")
		c.failures.Add(1)
		if c.recorder != nil {
			c.recorder.Record(req.Key, err)
		}
		return fetched{}, err
	}

	at := c.Set(req.Key, v, req.TTL)
	return fetched{v: v, storedAt: at, source: SourceNetwork}, nil
}

func (c *FetchCache) observe(provider string, src Source) {
	if c.metrics != nil {
		c.metrics.RecordFetch(provider, string(src))
	}
}

// Decode unmarshals a Result value.
func Decode[T any](r Result) (T, error) {
	var v T
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return v, fmt.Errorf("decode %s value: %w", r.Source, err)
	}
	return v, nil
}
