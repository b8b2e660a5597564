package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/cache"
	"MarketPulse/internal/service/errorbus"
	"MarketPulse/internal/service/provider"
	"MarketPulse/internal/service/realtime"
	"MarketPulse/internal/usecase"
	xhttp "MarketPulse/pkg/http"
	"MarketPulse/pkg/http/middleware"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeData struct {
	err   error
	limit int
}

func (f *fakeData) FetchCritical(context.Context) (*usecase.CriticalIndicators, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &usecase.CriticalIndicators{
		FetchedAt: time.Unix(1_700_000_000, 0).UTC(),
		Readings: map[string]provider.Reading{
			provider.SeriesTreasury2Y:  {Value: 4.0, Source: cache.SourceNetwork},
			provider.SeriesTreasury10Y: {Value: 4.5, Source: cache.SourceCache},
			provider.SymbolSPY:         {Value: 410, Previous: 400, Source: cache.SourceNetwork},
			provider.SymbolVIX:         {Value: 16.5, Source: cache.SourceFallback, Err: errors.New("quota")},
		},
	}, nil
}

func (f *fakeData) Headlines(_ context.Context, limit int) ([]models.Headline, cache.Source, error) {
	f.limit = limit
	return []models.Headline{{Title: "Yields climb", Source: "Wire"}}, cache.SourceNetwork, nil
}

type fakeMonitor struct {
	mu      sync.Mutex
	history []*models.Assessment
	subs    []func(*models.Assessment)
	err     error
}

func (m *fakeMonitor) Latest() *models.Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

func (m *fakeMonitor) History(limit int) []*models.Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if limit < len(h) {
		h = h[len(h)-limit:]
	}
	return h
}

func (m *fakeMonitor) Refresh(context.Context) (*models.Assessment, error) {
	if m.err != nil {
		return nil, m.err
	}
	a := &models.Assessment{ID: "fresh", AssessedAt: time.Now(), Metrics: models.RiskMetrics{RiskStatus: models.RiskNeutral}}
	m.mu.Lock()
	m.history = append(m.history, a)
	m.mu.Unlock()
	return a, nil
}

func (m *fakeMonitor) Subscribe(fn func(*models.Assessment)) func() {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
	return func() {}
}

func (m *fakeMonitor) emit(a *models.Assessment) {
	m.mu.Lock()
	subs := append(([]func(*models.Assessment))(nil), m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(a)
	}
}

type fakeChannel struct {
	healthy bool
}

func (c *fakeChannel) State() realtime.ChannelState {
	return realtime.ChannelState{Status: realtime.StateConnected, Healthy: c.healthy}
}
func (c *fakeChannel) IsHealthy() bool { return c.healthy }
func (c *fakeChannel) On(realtime.Event, realtime.Handler) func() {
	return func() {}
}

type env struct {
	e       *echo.Echo
	h       *MarketHandler
	data    *fakeData
	monitor *fakeMonitor
	bus     *errorbus.Bus
}

func newEnv(t *testing.T, limiter *middleware.ClientLimiter) *env {
	t.Helper()
	v := &env{
		e:       echo.New(),
		data:    &fakeData{},
		monitor: &fakeMonitor{},
		bus:     errorbus.New(errorbus.WithCapacity(10)),
	}
	v.h = NewMarketHandler(nil, v.data, v.monitor, nil, v.bus, &fakeChannel{healthy: true}, nil, limiter)
	v.h.RegisterRoutes(v.e)
	t.Cleanup(v.h.Close)
	return v
}

func (v *env) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) (int, T) {
	t.Helper()
	var resp struct {
		Status int `json:"status"`
		Data   T   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Status, resp.Data
}

func TestMarketData(t *testing.T) {
	v := newEnv(t, nil)
	rec := v.do(http.MethodGet, "/api/market-data", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status, body := decode[marketDataResponse](t, rec)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 4.5, body.Values[provider.SeriesTreasury10Y])
	assert.Equal(t, 400.0, body.Previous[provider.SymbolSPY])
	assert.Equal(t, cache.SourceFallback, body.Sources[provider.SymbolVIX])
	assert.Equal(t, "quota", body.Failures[provider.SymbolVIX])
	require.NotNil(t, body.Snapshot.SPYPrevious)
}

func TestMarketDataUnavailable(t *testing.T) {
	v := newEnv(t, nil)
	v.data.err = context.DeadlineExceeded
	status, _ := decode[json.RawMessage](t, v.do(http.MethodGet, "/api/market-data", ""))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRiskRefreshesWhenEmpty(t *testing.T) {
	v := newEnv(t, nil)
	_, a := decode[models.Assessment](t, v.do(http.MethodGet, "/api/risk", ""))
	assert.Equal(t, "fresh", a.ID)

	v.monitor.err = errors.New("down")
	_, a = decode[models.Assessment](t, v.do(http.MethodGet, "/api/risk", ""))
	assert.Equal(t, "fresh", a.ID, "existing assessment is served without refreshing")
}

func TestRiskHistoryLimit(t *testing.T) {
	v := newEnv(t, nil)
	for i := 0; i < 5; i++ {
		_, _ = v.monitor.Refresh(context.Background())
	}
	_, list := decode[xhttp.ListDataResponse](t, v.do(http.MethodGet, "/api/risk/history?limit=2", ""))
	assert.EqualValues(t, 2, list.Total)

	status, _ := decode[json.RawMessage](t, v.do(http.MethodGet, "/api/risk/history?limit=500", ""))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAssessFullSnapshot(t *testing.T) {
	v := newEnv(t, nil)
	body := `{"treasury_2y":4.0,"treasury_10y":4.5,"high_yield_spread":4.0,"corporate_yield":5.2,
		"vix":20,"spy":410,"spy_previous":400,"treasury_5y":4.2,"tips_5y":2.0}`
	status, res := decode[models.AssessResponse](t, v.do(http.MethodPost, "/api/risk/assess", body))
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, models.VariantFull, res.Metrics.Variant)
	assert.InDelta(t, 35.22, res.Metrics.RiskScore, 1e-9)
	assert.InDelta(t, 2.2, res.Metrics.RealRatesAverage, 1e-9)
	require.NotNil(t, res.Range)
	assert.Equal(t, 410.0, res.Range.Price)
}

func TestAssessCompactWithoutRange(t *testing.T) {
	v := newEnv(t, nil)
	body := `{"treasury_2y":4.5,"treasury_10y":4.0,"high_yield_spread":4.0,"corporate_yield":5.2}`
	_, res := decode[models.AssessResponse](t, v.do(http.MethodPost, "/api/risk/assess", body))
	assert.Equal(t, models.RiskOff, res.Metrics.RiskStatus)
	assert.Nil(t, res.Range)

	status, errs := decode[[]xhttp.ValidationError](t, v.do(http.MethodPost, "/api/risk/assess", `{"treasury_2y":4,"vix":-1}`))
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotEmpty(t, errs)
	assert.Equal(t, "vix", errs[0].Field)
}

func TestNewsLimitDefault(t *testing.T) {
	v := newEnv(t, nil)
	_, res := decode[headlinesResponse](t, v.do(http.MethodGet, "/api/news", ""))
	assert.Equal(t, 20, v.data.limit)
	require.Len(t, res.Headlines, 1)
	assert.Equal(t, cache.SourceNetwork, res.Source)

	v.do(http.MethodGet, "/api/news?limit=5", "")
	assert.Equal(t, 5, v.data.limit)
}

func TestErrorsSinceAndClear(t *testing.T) {
	v := newEnv(t, nil)
	clock := time.Date(2024, 5, 24, 12, 0, 0, 0, time.UTC)
	bus := errorbus.New(errorbus.WithClock(func() time.Time { return clock }))
	v.h.errors = bus

	bus.Record("fred", errors.New("old"))
	clock = clock.Add(time.Hour)
	bus.Record("nasdaq", errors.New("new"))

	_, all := decode[xhttp.ListDataResponse](t, v.do(http.MethodGet, "/api/errors", ""))
	assert.EqualValues(t, 2, all.Total)

	_, recent := decode[xhttp.ListDataResponse](t, v.do(http.MethodGet, "/api/errors?since=2024-05-24T12:30:00Z", ""))
	assert.EqualValues(t, 1, recent.Total)

	status, _ := decode[json.RawMessage](t, v.do(http.MethodGet, "/api/errors?since=yesterday", ""))
	assert.Equal(t, http.StatusBadRequest, status)

	rec := v.do(http.MethodDelete, "/api/errors", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, bus.Len())
}

func newEnvWithChannel(t *testing.T, channel ChannelStatus) *env {
	t.Helper()
	v := &env{
		e:       echo.New(),
		data:    &fakeData{},
		monitor: &fakeMonitor{},
		bus:     errorbus.New(errorbus.WithCapacity(10)),
	}
	v.h = NewMarketHandler(nil, v.data, v.monitor, nil, v.bus, channel, nil, nil)
	v.h.RegisterRoutes(v.e)
	t.Cleanup(v.h.Close)
	return v
}

func TestHealthWithoutRealtime(t *testing.T) {
	v := newEnvWithChannel(t, nil)
	_, _ = v.monitor.Refresh(context.Background())

	_, h := decode[healthResponse](t, v.do(http.MethodGet, "/api/health", ""))
	assert.Equal(t, "ok", h.Status)
	assert.False(t, h.Realtime)
	assert.Equal(t, realtime.StateDisconnected, h.Channel)

	_, st := decode[realtime.ChannelState](t, v.do(http.MethodGet, "/api/channel", ""))
	assert.Equal(t, realtime.StateDisconnected, st.Status)
}

func TestHealthDegradedOnUnhealthyChannel(t *testing.T) {
	v := newEnvWithChannel(t, &fakeChannel{healthy: false})
	_, _ = v.monitor.Refresh(context.Background())

	_, h := decode[healthResponse](t, v.do(http.MethodGet, "/api/health", ""))
	assert.Equal(t, "degraded", h.Status)
	assert.True(t, h.Realtime)
}

func TestChannelAndHealth(t *testing.T) {
	v := newEnv(t, nil)
	_, st := decode[realtime.ChannelState](t, v.do(http.MethodGet, "/api/channel", ""))
	assert.Equal(t, realtime.StateConnected, st.Status)

	_, h := decode[healthResponse](t, v.do(http.MethodGet, "/api/health", ""))
	assert.Equal(t, "degraded", h.Status, "no assessment yet")

	_, _ = v.monitor.Refresh(context.Background())
	_, h = decode[healthResponse](t, v.do(http.MethodGet, "/api/health", ""))
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.ChannelHealthy)
	require.NotNil(t, h.RiskStatus)
}

func TestRateLimitedGroup(t *testing.T) {
	v := newEnv(t, middleware.NewClientLimiter(60, 1))
	assert.Equal(t, http.StatusOK, v.do(http.MethodGet, "/api/channel", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, v.do(http.MethodGet, "/api/channel", "").Code)
}

func TestStreamRelaysAssessments(t *testing.T) {
	v := newEnv(t, nil)
	srv := httptest.NewServer(v.e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return v.h.Hub().Len() == 1 }, time.Second, 5*time.Millisecond)

	v.monitor.emit(&models.Assessment{ID: "a-1"})
	v.h.Hub().Broadcast(StreamEvent{Type: "channel", Data: json.RawMessage(`{"type":"trade"}`)})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev StreamEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "assessment", ev.Type)
	var a models.Assessment
	require.NoError(t, json.Unmarshal(ev.Data, &a))
	assert.Equal(t, "a-1", a.ID)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "channel", ev.Type)
	assert.JSONEq(t, `{"type":"trade"}`, string(ev.Data))

	v.h.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
