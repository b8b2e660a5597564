package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu   sync.Mutex
	recs []string
}

func (r *memRecorder) Record(ctx string, err error) models.ErrorRecord {
	r.mu.Lock()
	r.recs = append(r.recs, ctx)
	r.mu.Unlock()
	return models.ErrorRecord{Context: ctx, Message: err.Error()}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestCache(clk *clock, rec ErrorRecorder) *FetchCache {
	p := retry.New(retry.WithSleeper(noSleep))
	return NewFetchCache(p, WithClock(clk.Now), WithRecorder(rec))
}

func TestGetOrFetchStoresAndServes(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(clk, nil)
	var calls atomic.Int32

	req := FetchRequest{
		Key: "fred:DGS10", Provider: "fred", TTL: 5 * time.Minute,
		Fetch: func(context.Context) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{"value":4.3}`), nil
		},
	}

	r, err := c.GetOrFetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, r.Source)
	assert.JSONEq(t, `{"value":4.3}`, string(r.Value))

	r, err = c.GetOrFetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, r.Source)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestEntryNeverServedAtOrAfterTTL(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(clk, nil)
	c.Set("k", json.RawMessage(`1`), time.Minute)

	clk.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "now - storedAt == ttl is expired")
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestSetSweepsExpired(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(clk, nil)
	c.Set("a", json.RawMessage(`1`), time.Second)
	c.Set("b", json.RawMessage(`2`), time.Hour)
	clk.Advance(2 * time.Second)
	c.Set("c", json.RawMessage(`3`), time.Hour)

	assert.Equal(t, 2, c.Len())
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(clk, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	req := FetchRequest{
		Key: "finnhub:SPY", Provider: "finnhub", TTL: time.Minute,
		Fetch: func(context.Context) (json.RawMessage, error) {
			calls.Add(1)
			<-release
			return json.RawMessage(`{"c":520}`), nil
		},
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.GetOrFetch(context.Background(), req)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.JSONEq(t, `{"c":520}`, string(r.Value))
	}
}

func TestFallbackReturnedAndNotCached(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	rec := &memRecorder{}
	c := newTestCache(clk, rec)
	var calls atomic.Int32

	req := FetchRequest{
		Key: "fred:DGS2", Provider: "fred", TTL: time.Minute,
		MaxRetries: 2, BaseDelay: time.Millisecond,
		Fallback: json.RawMessage(`{"value":4.25}`),
		Fetch: func(context.Context) (json.RawMessage, error) {
			calls.Add(1)
			return nil, errs.New(errs.KindNetwork, "fred", "unreachable")
		},
	}

	r, err := c.GetOrFetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, r.Source)
	assert.JSONEq(t, `{"value":4.25}`, string(r.Value))
	assert.Error(t, r.Err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"fred:DGS2"}, rec.recs, "one record per failed sequence")

	_, ok := c.Get("fred:DGS2")
	assert.False(t, ok, "fallback must not be cached")

	_, _ = c.GetOrFetch(context.Background(), req)
	assert.Equal(t, int32(6), calls.Load(), "next call goes back to the network")
}

func TestNoFallbackReturnsError(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(clk, nil)
	sentinel := errors.New("down")

	_, err := c.GetOrFetch(context.Background(), FetchRequest{
		Key: "k", TTL: time.Minute, MaxRetries: 1,
		Fetch: func(context.Context) (json.RawMessage, error) { return nil, sentinel },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	var ex *retry.ExhaustedError
	assert.ErrorAs(t, err, &ex)
}

func TestCallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(clk, nil)
	release := make(chan struct{})
	req := FetchRequest{
		Key: "k", TTL: time.Minute,
		Fetch: func(ctx context.Context) (json.RawMessage, error) {
			select {
			case <-release:
				return json.RawMessage(`"ok"`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, req)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan Result, 1)
	go func() {
		r, _ := c.GetOrFetch(context.Background(), req)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	r := <-second
	assert.Equal(t, SourceNetwork, r.Source)
	assert.JSONEq(t, `"ok"`, string(r.Value))
}

func TestDecode(t *testing.T) {
	v, err := Decode[map[string]float64](Result{Value: json.RawMessage(`{"a":1.5}`)})
	require.NoError(t, err)
	assert.Equal(t, 1.5, v["a"])

	_, err = Decode[int](Result{Value: json.RawMessage(`"x"`)})
	assert.Error(t, err)
}
