package models

import "time"

// Tenor labels a point on the yield or implied-rate curve.
type Tenor string

const (
	Tenor1M  Tenor = "1M"
	Tenor3M  Tenor = "3M"
	Tenor2Y  Tenor = "2Y"
	Tenor5Y  Tenor = "5Y"
	Tenor10Y Tenor = "10Y"
	Tenor30Y Tenor = "30Y"
)

// Snapshot is one point-in-time set of readings fed to the risk engine.
// Pointer fields are optional inputs.
type Snapshot struct {
	Treasury2Y      float64           `json:"treasury_2y"`
	Treasury5Y      float64           `json:"treasury_5y"`
	Treasury10Y     float64           `json:"treasury_10y"`
	Treasury30Y     float64           `json:"treasury_30y"`
	CorporateYield  float64           `json:"corporate_yield"`
	HighYieldSpread float64           `json:"high_yield_spread"`
	VIX             *float64          `json:"vix,omitempty"`
	SPY             *float64          `json:"spy,omitempty"`
	SPYPrevious     *float64          `json:"spy_previous,omitempty"`
	RealRates       map[Tenor]float64 `json:"real_rates,omitempty"`
	ImpliedRates    map[Tenor]float64 `json:"implied_rates,omitempty"`
	Gold            *float64          `json:"gold,omitempty"`
	DXY             *float64          `json:"dxy,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Quote is the last and previous-close price of a market symbol.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previous_close"`
	Timestamp     time.Time `json:"timestamp"`
}

// Observation is one value of an economic series.
type Observation struct {
	SeriesID string    `json:"series_id"`
	Date     string    `json:"date"`
	Value    float64   `json:"value"`
	Fetched  time.Time `json:"fetched"`
}

// FuturesSettle is the latest settlement of a futures dataset.
type FuturesSettle struct {
	Code   string  `json:"code"`
	Date   string  `json:"date"`
	Settle float64 `json:"settle"`
}

// Headline is one news article.
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Tick is a live trade price pushed over the realtime channel.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // unix ms
}
