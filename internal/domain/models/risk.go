package models

import "time"

type RiskStatus string

const (
	RiskOn      RiskStatus = "RISK_ON"
	RiskOff     RiskStatus = "RISK_OFF"
	RiskNeutral RiskStatus = "NEUTRAL"
)

type VolatilityStatus string

const (
	VolatilityHigh   VolatilityStatus = "HIGH"
	VolatilityLow    VolatilityStatus = "LOW"
	VolatilityNormal VolatilityStatus = "NORMAL"
)

type MarketTrend string

const (
	TrendUp     MarketTrend = "UP"
	TrendDown   MarketTrend = "DOWN"
	TrendStable MarketTrend = "STABLE"
)

type CurveShape string

const (
	CurveInverted CurveShape = "INVERTED"
	CurveFlat     CurveShape = "FLAT"
	CurveNormal   CurveShape = "NORMAL"
	CurveSteep    CurveShape = "STEEP"
)

// ScoreVariant names the weighting used for a score.
type ScoreVariant string

const (
	VariantCompact ScoreVariant = "compact" // curve, high-yield, corporate
	VariantFull    ScoreVariant = "full"    // plus volatility and momentum
)

// RiskMetrics is the output of one risk assessment.
type RiskMetrics struct {
	RiskScore        float64          `json:"risk_score"`
	RiskStatus       RiskStatus       `json:"risk_status"`
	YieldCurveSlope  float64          `json:"yield_curve_slope"`
	RealRatesAverage float64          `json:"real_rates_average"`
	VolatilityStatus VolatilityStatus `json:"volatility_status"`
	MarketTrend      MarketTrend      `json:"market_trend"`
	CurveShape       CurveShape       `json:"curve_shape"`
	Variant          ScoreVariant     `json:"variant"`
}

// ExpectedRange holds the one-day price bands implied by VIX.
type ExpectedRange struct {
	Price      float64       `json:"price"`
	DailySigma float64       `json:"daily_sigma"`
	Bands      [3][2]float64 `json:"bands"` // 1σ, 2σ, 3σ as [low, high]
}

// Assessment pairs metrics with the snapshot they were computed from.
type Assessment struct {
	ID         string      `json:"id"`
	Snapshot   Snapshot    `json:"snapshot"`
	Metrics    RiskMetrics `json:"metrics"`
	Live       bool        `json:"live"` // realtime prices overlaid
	AssessedAt time.Time   `json:"assessed_at"`
}
