package usecase

import (
	"context"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/service/cache"
	"MarketPulse/internal/service/provider"
	"MarketPulse/internal/services/risk"
	applogger "MarketPulse/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Indicator names in CriticalIndicators.
const (
	IndicatorFedFunds1M = "FF1"
	IndicatorFedFunds3M = "FF3"
)

// SeriesSource resolves economic series.
type SeriesSource interface {
	Reading(ctx context.Context, seriesID string) provider.Reading
}

// FuturesSource resolves rate futures into implied rates.
type FuturesSource interface {
	ImpliedRate(ctx context.Context, code string) provider.Reading
}

// QuoteSource resolves market quotes.
type QuoteSource interface {
	Reading(ctx context.Context, name string) provider.Reading
}

// NewsSource returns headlines.
type NewsSource interface {
	Headlines(ctx context.Context, limit int) ([]models.Headline, cache.Source, error)
}

// CriticalIndicators holds one settled reading per indicator.
type CriticalIndicators struct {
	Readings  map[string]provider.Reading
	FetchedAt time.Time
}

// Sources reports where each reading came from.
func (c *CriticalIndicators) Sources() map[string]cache.Source {
	out := make(map[string]cache.Source, len(c.Readings))
	for k, r := range c.Readings {
		out[k] = r.Source
	}
	return out
}

// Failures lists readings that carried an error, fallback included.
func (c *CriticalIndicators) Failures() map[string]string {
	out := make(map[string]string)
	for k, r := range c.Readings {
		if r.Err != nil {
			out[k] = r.Err.Error()
		}
	}
	return out
}

func (c *CriticalIndicators) value(name string) (float64, bool) {
	r, ok := c.Readings[name]
	if !ok || !r.Resolved() {
		return 0, false
	}
	return r.Value, true
}

// Snapshot derives the risk engine input. Real rates are nominal minus TIPS
// per tenor; implied rates come from the fed funds futures.
func (c *CriticalIndicators) Snapshot() models.Snapshot {
	v := func(name string) float64 {
		x, _ := c.value(name)
		return x
	}
	opt := func(x float64, ok bool) *float64 {
		if !ok {
			return nil
		}
		return models.Float(x)
	}

	s := models.Snapshot{
		Treasury2Y:      v(provider.SeriesTreasury2Y),
		Treasury5Y:      v(provider.SeriesTreasury5Y),
		Treasury10Y:     v(provider.SeriesTreasury10Y),
		Treasury30Y:     v(provider.SeriesTreasury30Y),
		CorporateYield:  v(provider.SeriesCorporate),
		HighYieldSpread: v(provider.SeriesHighYield),
		VIX:             opt(c.value(provider.SymbolVIX)),
		SPY:             opt(c.value(provider.SymbolSPY)),
		Gold:            opt(c.value(provider.SymbolGold)),
		DXY:             opt(c.value(provider.SymbolDXY)),
		Timestamp:       c.FetchedAt,
	}
	if r, ok := c.Readings[provider.SymbolSPY]; ok && r.Previous > 0 {
		s.SPYPrevious = models.Float(r.Previous)
	}

	nominal := map[models.Tenor]float64{}
	tips := map[models.Tenor]float64{}
	for tenor, ids := range map[models.Tenor][2]string{
		models.Tenor5Y:  {provider.SeriesTreasury5Y, provider.SeriesTIPS5Y},
		models.Tenor10Y: {provider.SeriesTreasury10Y, provider.SeriesTIPS10Y},
		models.Tenor30Y: {provider.SeriesTreasury30Y, provider.SeriesTIPS30Y},
	} {
		if n, ok := c.value(ids[0]); ok {
			nominal[tenor] = n
		}
		if t, ok := c.value(ids[1]); ok {
			tips[tenor] = t
		}
	}
	s.RealRates = risk.RealRates(nominal, tips)

	s.ImpliedRates = map[models.Tenor]float64{}
	if x, ok := c.value(IndicatorFedFunds1M); ok {
		s.ImpliedRates[models.Tenor1M] = x
	}
	if x, ok := c.value(IndicatorFedFunds3M); ok {
		s.ImpliedRates[models.Tenor3M] = x
	}
	return s
}

// MarketData fans indicator requests out to the provider adapters.
type MarketData struct {
	series  SeriesSource
	futures FuturesSource
	quotes  QuoteSource
	news    NewsSource
	metrics drepo.Metrics
	logger  *applogger.Logger
	now     func() time.Time
}

func NewMarketData(series SeriesSource, futures FuturesSource, quotes QuoteSource, news NewsSource, metrics drepo.Metrics, logger *applogger.Logger) *MarketData {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &MarketData{
		series:  series,
		futures: futures,
		quotes:  quotes,
		news:    news,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

type indicatorJob struct {
	name string
	run  func(context.Context) provider.Reading
}

func (m *MarketData) jobs() []indicatorJob {
	var jobs []indicatorJob
	for _, id := range []string{
		provider.SeriesTreasury2Y, provider.SeriesTreasury5Y, provider.SeriesTreasury10Y, provider.SeriesTreasury30Y,
		provider.SeriesTIPS5Y, provider.SeriesTIPS10Y, provider.SeriesTIPS30Y,
		provider.SeriesCorporate, provider.SeriesHighYield,
	} {
		id := id
		jobs = append(jobs, indicatorJob{id, func(ctx context.Context) provider.Reading { return m.series.Reading(ctx, id) }})
	}
	jobs = append(jobs,
		indicatorJob{IndicatorFedFunds1M, func(ctx context.Context) provider.Reading {
			return m.futures.ImpliedRate(ctx, provider.DatasetFedFunds1M)
		}},
		indicatorJob{IndicatorFedFunds3M, func(ctx context.Context) provider.Reading {
			return m.futures.ImpliedRate(ctx, provider.DatasetFedFunds3M)
		}},
	)
	for _, sym := range []string{provider.SymbolVIX, provider.SymbolSPY, provider.SymbolGold, provider.SymbolDXY} {
		sym := sym
		jobs = append(jobs, indicatorJob{sym, func(ctx context.Context) provider.Reading { return m.quotes.Reading(ctx, sym) }})
	}
	return jobs
}

// FetchCritical resolves every indicator concurrently. Each one settles on
// its own, falling back to its default on failure; the result is returned
// once all have settled.
func (m *MarketData) FetchCritical(ctx context.Context) (*CriticalIndicators, error) {
	start := m.now()
	jobs := m.jobs()
	readings := make([]provider.Reading, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			readings[i] = j.run(gctx)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &CriticalIndicators{Readings: make(map[string]provider.Reading, len(jobs)), FetchedAt: m.now()}
	fallbacks := 0
	for i, j := range jobs {
		out.Readings[j.name] = readings[i]
		if readings[i].Source == cache.SourceFallback {
			fallbacks++
		}
	}

	elapsed := m.now().Sub(start)
	if m.metrics != nil {
		m.metrics.RecordLatency("fetch_critical", elapsed.Seconds())
	}
	m.logger.Debug("market.fetch_critical",
		applogger.Int("indicators", len(jobs)),
		applogger.Int("fallbacks", fallbacks),
		applogger.Duration("duration_ms", elapsed),
	)
	return out, nil
}

// Headlines returns up to limit business headlines.
func (m *MarketData) Headlines(ctx context.Context, limit int) ([]models.Headline, cache.Source, error) {
	return m.news.Headlines(ctx, limit)
}
