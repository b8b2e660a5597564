package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/service/errorbus"
	"MarketPulse/internal/service/realtime"
	"MarketPulse/internal/services/risk"
	applogger "MarketPulse/pkg/logger"

	"github.com/google/uuid"
)

const DefaultHistorySize = 20

// CriticalFetcher yields settled indicator sets.
type CriticalFetcher interface {
	FetchCritical(ctx context.Context) (*CriticalIndicators, error)
}

// Channel is the live price feed the monitor overlays when healthy.
type Channel interface {
	On(event realtime.Event, h realtime.Handler) func()
	IsHealthy() bool
}

// ErrorSource is where failures are reported and observed.
type ErrorSource interface {
	Record(label string, err error) models.ErrorRecord
	AddListener(l errorbus.Listener) func()
}

// MonitorConfig holds refresh parameters.
type MonitorConfig struct {
	RefreshInterval time.Duration
	HistorySize     int
	// Channel symbols carrying live SPY and VIX prices.
	LiveSPYSymbol string
	LiveVIXSymbol string
}

// Monitor periodically assesses the market, keeps a rolling history and
// exports every assessment and error record to the configured sinks.
type Monitor struct {
	cfg      MonitorConfig
	data     CriticalFetcher
	assessor *risk.Assessor
	channel  Channel
	bus      ErrorSource
	sinks    []drepo.AssessmentSink
	metrics  drepo.Metrics
	logger   *applogger.Logger
	now      func() time.Time

	mu      sync.RWMutex
	history []*models.Assessment
	live    map[string]models.Tick

	smu    sync.RWMutex
	subs   map[uint64]func(*models.Assessment)
	nextID uint64

	errCh   chan models.ErrorRecord
	refresh sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsub   []func()
}

func NewMonitor(cfg MonitorConfig, data CriticalFetcher, assessor *risk.Assessor, channel Channel, bus ErrorSource, sinks []drepo.AssessmentSink, metrics drepo.Metrics, logger *applogger.Logger) *Monitor {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.LiveSPYSymbol == "" {
		cfg.LiveSPYSymbol = "SPY"
	}
	if cfg.LiveVIXSymbol == "" {
		cfg.LiveVIXSymbol = "VIX"
	}
	if logger == nil {
		logger = applogger.Nop()
	}
	if assessor == nil {
		assessor = risk.NewAssessor()
	}
	return &Monitor{
		cfg:      cfg,
		data:     data,
		assessor: assessor,
		channel:  channel,
		bus:      bus,
		sinks:    sinks,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		live:     make(map[string]models.Tick),
		subs:     make(map[uint64]func(*models.Assessment)),
		errCh:    make(chan models.ErrorRecord, 64),
	}
}

// Start attaches to the channel and error bus and refreshes on an interval
// until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.channel != nil {
		m.unsub = append(m.unsub, m.channel.On(realtime.EventMessage, m.onMessage))
	}
	if m.bus != nil && len(m.sinks) > 0 {
		m.unsub = append(m.unsub, m.bus.AddListener(m.onError))
		m.wg.Add(1)
		go m.exportErrors(ctx)
	}

	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("monitor.started", applogger.Duration("interval_ms", m.cfg.RefreshInterval))
}

// Stop halts the refresh loop and detaches listeners.
func (m *Monitor) Stop() {
	for _, off := range m.unsub {
		off()
	}
	m.unsub = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor.stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("monitor.refresh_failed", applogger.Error(err))
	}
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("monitor.refresh_failed", applogger.Error(err))
			}
		}
	}
}

// Refresh fetches indicators, overlays live prices while the channel is
// healthy, assesses and records the result.
func (m *Monitor) Refresh(ctx context.Context) (*models.Assessment, error) {
	m.refresh.Lock()
	defer m.refresh.Unlock()

	ind, err := m.data.FetchCritical(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch indicators: %w", err)
	}
	snap := ind.Snapshot()
	live := m.overlay(&snap)

	a := &models.Assessment{
		ID:         uuid.NewString(),
		Snapshot:   snap,
		Metrics:    m.assessor.CalculateRiskMetrics(snap),
		Live:       live,
		AssessedAt: m.now(),
	}

	m.mu.Lock()
	m.history = append(m.history, a)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]*models.Assessment(nil), m.history[over:]...)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRiskScore(a.Metrics.RiskScore, string(a.Metrics.RiskStatus))
	}
	m.logger.Info("monitor.assessed",
		applogger.Float64("risk_score", a.Metrics.RiskScore),
		applogger.String("status", string(a.Metrics.RiskStatus)),
		applogger.String("variant", string(a.Metrics.Variant)),
		applogger.Bool("live", live),
	)

	m.export(ctx, a)
	m.notify(a)
	return a, nil
}

func (m *Monitor) overlay(s *models.Snapshot) bool {
	if m.channel == nil || !m.channel.IsHealthy() {
		return false
	}
	m.mu.RLock()
	spy, hasSPY := m.live[m.cfg.LiveSPYSymbol]
	vix, hasVIX := m.live[m.cfg.LiveVIXSymbol]
	m.mu.RUnlock()

	if hasSPY {
		if s.SPYPrevious == nil && s.SPY != nil {
			s.SPYPrevious = models.Float(*s.SPY)
		}
		s.SPY = models.Float(spy.Price)
	}
	if hasVIX {
		s.VIX = models.Float(vix.Price)
	}
	return hasSPY || hasVIX
}

func (m *Monitor) onMessage(msg realtime.Message) {
	ticks := realtime.ParseTrades(msg)
	if len(ticks) == 0 {
		return
	}
	m.mu.Lock()
	for _, t := range ticks {
		if prev, ok := m.live[t.Symbol]; ok && prev.Timestamp > t.Timestamp {
			continue
		}
		m.live[t.Symbol] = t
	}
	m.mu.Unlock()
	if m.metrics != nil {
		for _, t := range ticks {
			m.metrics.RecordLastPrice(t.Symbol, t.Price)
		}
	}
}

func (m *Monitor) export(ctx context.Context, a *models.Assessment) {
	for _, s := range m.sinks {
		if err := s.PublishAssessment(ctx, a); err != nil {
			m.logger.Warn("monitor.export_failed", applogger.String("sink", s.Name()), applogger.Error(err))
			if m.bus != nil {
				m.bus.Record("export."+s.Name(), err)
			}
		}
	}
}

func (m *Monitor) onError(rec models.ErrorRecord) {
	select {
	case m.errCh <- rec:
	default:
		m.logger.Warn("monitor.error_export_dropped", applogger.String("id", rec.ID))
	}
}

// exportErrors drains error records to sinks. Export failures here are only
// logged so they cannot feed back into the bus.
func (m *Monitor) exportErrors(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-m.errCh:
			for _, s := range m.sinks {
				if err := s.PublishError(ctx, rec); err != nil {
					m.logger.Warn("monitor.error_export_failed", applogger.String("sink", s.Name()), applogger.Error(err))
				}
			}
		}
	}
}

// Subscribe registers fn for every new assessment.
func (m *Monitor) Subscribe(fn func(*models.Assessment)) func() {
	m.smu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.smu.Lock()
			delete(m.subs, id)
			m.smu.Unlock()
		})
	}
}

func (m *Monitor) notify(a *models.Assessment) {
	m.smu.RLock()
	fns := make([]func(*models.Assessment), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.smu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("monitor.subscriber_panic", applogger.Any("panic", r))
				}
			}()
			fn(a)
		}()
	}
}

// Latest returns the newest assessment, or nil before the first refresh.
func (m *Monitor) Latest() *models.Assessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

// History returns up to limit assessments, newest last. limit <= 0 returns all.
func (m *Monitor) History(limit int) []*models.Assessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	return append([]*models.Assessment(nil), h...)
}

// LivePrice returns the last pushed tick for symbol.
func (m *Monitor) LivePrice(symbol string) (models.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.live[symbol]
	return t, ok
}
