package provider

import (
	"context"
	"encoding/json"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/cache"
)

const ProviderFinnhub = "finnhub"

// Logical instrument names used by the composite fetch.
const (
	SymbolVIX  = "VIX"
	SymbolSPY  = "SPY"
	SymbolGold = "GOLD"
	SymbolDXY  = "DXY"
)

// DefaultSymbols maps logical names to upstream tickers.
var DefaultSymbols = map[string]string{
	SymbolVIX:  "^VIX",
	SymbolSPY:  "SPY",
	SymbolGold: "GC=F",
	SymbolDXY:  "DX-Y.NYB",
}

var quoteDefaults = map[string]models.Quote{
	SymbolVIX:  {Symbol: SymbolVIX, Price: 16.5, PreviousClose: 16.2},
	SymbolSPY:  {Symbol: SymbolSPY, Price: 520.0, PreviousClose: 518.0},
	SymbolGold: {Symbol: SymbolGold, Price: 2350.0, PreviousClose: 2340.0},
	SymbolDXY:  {Symbol: SymbolDXY, Price: 104.5, PreviousClose: 104.3},
}

// Market reads last and previous-close prices.
type Market struct {
	base    *HTTPBase
	cache   Cache
	symbols map[string]string
	now     func() time.Time
}

func NewMarket(s Settings, c Cache, symbols map[string]string) *Market {
	if s.TTL <= 0 {
		s.TTL = 60 * time.Second
	}
	m := make(map[string]string, len(DefaultSymbols))
	for k, v := range DefaultSymbols {
		m[k] = v
	}
	for k, v := range symbols {
		m[k] = v
	}
	return &Market{base: NewHTTPBase(ProviderFinnhub, s, inspectFinnhub), cache: c, symbols: m, now: time.Now}
}

type quoteResponse struct {
	Current       float64 `json:"c"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

func inspectFinnhub(body []byte) error {
	var r struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &r) == nil && r.Error != "" {
		if e := classifyMessage(ProviderFinnhub, r.Error); e != nil {
			return e
		}
		return errs.New(errs.KindAPI, ProviderFinnhub, r.Error)
	}
	return nil
}

// Quote returns the latest quote for a logical symbol name.
func (m *Market) Quote(ctx context.Context, name string) (models.Quote, cache.Source, error) {
	var fallback json.RawMessage
	if q, ok := quoteDefaults[name]; ok {
		fallback = mustJSON(q)
	}

	res, err := m.cache.GetOrFetch(ctx, m.base.request(name, func(ctx context.Context) (json.RawMessage, error) {
		return m.fetch(ctx, name)
	}, fallback))
	if err != nil {
		return models.Quote{}, "", err
	}
	q, err := cache.Decode[models.Quote](res)
	if err != nil {
		return models.Quote{}, "", err
	}
	return q, res.Source, res.Err
}

// Reading resolves name into a Reading carrying the previous close.
func (m *Market) Reading(ctx context.Context, name string) Reading {
	q, src, err := m.Quote(ctx, name)
	return Reading{Value: q.Price, Previous: q.PreviousClose, Source: src, Err: err}
}

func (m *Market) fetch(ctx context.Context, name string) (json.RawMessage, error) {
	ticker, ok := m.symbols[name]
	if !ok {
		ticker = name
	}
	body, err := m.base.GetJSON(ctx, "/quote", map[string][]string{
		"symbol": {ticker},
		"token":  {m.base.settings.APIKey},
	}, nil)
	if err != nil {
		return nil, err
	}

	var r quoteResponse
	if err := decodeBody(ProviderFinnhub, body, &r); err != nil {
		return nil, err
	}
	// Unknown symbols come back as all zeros.
	if r.Current == 0 && r.PreviousClose == 0 {
		return nil, errs.Errorf(errs.KindValidation, ProviderFinnhub, "no quote for %s", ticker)
	}
	ts := m.now()
	if r.Timestamp > 0 {
		ts = time.Unix(r.Timestamp, 0)
	}
	return mustJSON(models.Quote{Symbol: name, Price: r.Current, PreviousClose: r.PreviousClose, Timestamp: ts}), nil
}
