package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/service/cache"
	"MarketPulse/internal/service/errorbus"
	"MarketPulse/internal/service/provider"
	"MarketPulse/internal/service/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	calls atomic.Int32
}

func (f *staticFetcher) FetchCritical(context.Context) (*CriticalIndicators, error) {
	f.calls.Add(1)
	return &CriticalIndicators{
		FetchedAt: time.Unix(1_700_000_000, 0),
		Readings: map[string]provider.Reading{
			provider.SeriesTreasury2Y:  {Value: 4.0, Source: cache.SourceNetwork},
			provider.SeriesTreasury10Y: {Value: 4.5, Source: cache.SourceNetwork},
			provider.SeriesHighYield:   {Value: 4.0, Source: cache.SourceNetwork},
			provider.SeriesCorporate:   {Value: 5.2, Source: cache.SourceNetwork},
			provider.SymbolVIX:         {Value: 20, Source: cache.SourceNetwork},
			provider.SymbolSPY:         {Value: 400, Previous: 400, Source: cache.SourceNetwork},
		},
	}, nil
}

type failingFetcher struct{}

func (failingFetcher) FetchCritical(context.Context) (*CriticalIndicators, error) {
	return nil, context.Canceled
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers []realtime.Handler
	healthy  atomic.Bool
}

func (c *fakeChannel) On(_ realtime.Event, h realtime.Handler) func() {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) IsHealthy() bool { return c.healthy.Load() }

func (c *fakeChannel) push(raw string) {
	c.mu.Lock()
	hs := append([]realtime.Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range hs {
		h(realtime.Message{Event: realtime.EventMessage, Type: "trade", Raw: json.RawMessage(raw)})
	}
}

type memorySink struct {
	name        string
	fail        bool
	mu          sync.Mutex
	assessments []*models.Assessment
	errors      []models.ErrorRecord
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) PublishAssessment(_ context.Context, a *models.Assessment) error {
	if s.fail {
		return errors.New("sink offline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments = append(s.assessments, a)
	return nil
}

func (s *memorySink) PublishError(_ context.Context, rec models.ErrorRecord) error {
	if s.fail {
		return errors.New("sink offline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rec)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors)
}

func TestRefreshAssessesAndKeepsHistory(t *testing.T) {
	sink := &memorySink{name: "memory"}
	m := NewMonitor(MonitorConfig{HistorySize: 3}, &staticFetcher{}, nil, nil, nil, []drepo.AssessmentSink{sink}, nil, nil)

	var last *models.Assessment
	for i := 0; i < 5; i++ {
		a, err := m.Refresh(context.Background())
		require.NoError(t, err)
		last = a
	}

	assert.Equal(t, models.RiskNeutral, last.Metrics.RiskStatus)
	assert.False(t, last.Live)
	assert.NotEmpty(t, last.ID)
	assert.Len(t, m.History(0), 3)
	assert.Len(t, m.History(2), 2)
	assert.Same(t, last, m.Latest())
	assert.Len(t, sink.assessments, 5)
}

func TestRefreshPropagatesFetchError(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, failingFetcher{}, nil, nil, nil, nil, nil, nil)
	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m.Latest())
}

func TestLivePricesOverlayOnlyWhenHealthy(t *testing.T) {
	ch := &fakeChannel{}
	m := NewMonitor(MonitorConfig{}, &staticFetcher{}, nil, ch, nil, nil, nil, nil)
	m.Start(context.Background())
	defer m.Stop()

	ch.push(`{"type":"trade","data":[{"s":"SPY","p":410,"v":5,"t":2},{"s":"VIX","p":30,"v":1,"t":2}]}`)
	ch.push(`{"type":"trade","data":[{"s":"SPY","p":390,"v":5,"t":1}]}`)

	tick, ok := m.LivePrice("SPY")
	require.True(t, ok)
	assert.Equal(t, 410.0, tick.Price, "older ticks never replace newer ones")

	a, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, a.Live)
	assert.Equal(t, 400.0, *a.Snapshot.SPY)

	ch.healthy.Store(true)
	a, err = m.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Live)
	assert.Equal(t, 410.0, *a.Snapshot.SPY)
	assert.Equal(t, 400.0, *a.Snapshot.SPYPrevious)
	assert.Equal(t, models.TrendUp, a.Metrics.MarketTrend)
	assert.Equal(t, models.VolatilityHigh, a.Metrics.VolatilityStatus)
	assert.Equal(t, models.RiskOff, a.Metrics.RiskStatus)
}

func TestExportFailuresReachTheBusAndErrorsReachSinks(t *testing.T) {
	bus := errorbus.New()
	bad := &memorySink{name: "broken", fail: true}
	good := &memorySink{name: "memory"}
	m := NewMonitor(MonitorConfig{RefreshInterval: time.Hour}, &staticFetcher{}, nil, nil, bus, []drepo.AssessmentSink{bad, good}, nil, nil)

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return good.errorCount() >= 1 }, time.Second, 5*time.Millisecond)
	recs := bus.Errors()
	require.NotEmpty(t, recs)
	assert.Equal(t, "export.broken", recs[0].Context)

	bus.Record("provider.fred", errors.New("boom"))
	require.Eventually(t, func() bool { return good.errorCount() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSubscribersAreIsolated(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, &staticFetcher{}, nil, nil, nil, nil, nil, nil)

	var got atomic.Int32
	m.Subscribe(func(*models.Assessment) { panic("bad subscriber") })
	off := m.Subscribe(func(*models.Assessment) { got.Add(1) })

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	off()
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Load())
}
