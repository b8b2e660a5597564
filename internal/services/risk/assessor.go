package risk

import (
	"math"

	"MarketPulse/internal/domain/models"
)

// Status thresholds.
const (
	RiskOnScore     = 70.0
	RiskOffScore    = 30.0
	HighVIX         = 25.0
	LowVIX          = 15.0
	StableTrendPct  = 0.1
	FlatCurveSpread = 0.1
	SteepCurve      = 0.5
	TradingDays     = 252.0
)

// Compact weights apply when volatility or momentum inputs are missing. The
// full weights scale the compact ones by 0.6 to leave 0.4 for the new terms.
var (
	compactWeights = weights{curve: 0.4, highYield: 0.3, corporate: 0.3}
	fullWeights    = weights{curve: 0.24, highYield: 0.18, corporate: 0.18, volatility: 0.2, momentum: 0.2}
)

type weights struct {
	curve, highYield, corporate, volatility, momentum float64
}

// scoreInput is the tagged variant chosen once per snapshot.
type scoreInput interface {
	variant() models.ScoreVariant
	score() float64
}

type compactSnapshot struct {
	slope, highYield, corporateSpread float64
}

func (c compactSnapshot) variant() models.ScoreVariant { return models.VariantCompact }

func (c compactSnapshot) score() float64 {
	w := compactWeights
	return w.curve*curveComponent(c.slope) +
		w.highYield*highYieldComponent(c.highYield) +
		w.corporate*corporateComponent(c.corporateSpread)
}

type fullSnapshot struct {
	compactSnapshot
	vix, spy, spyPrevious float64
}

func (f fullSnapshot) variant() models.ScoreVariant { return models.VariantFull }

func (f fullSnapshot) score() float64 {
	w := fullWeights
	return w.curve*curveComponent(f.slope) +
		w.highYield*highYieldComponent(f.highYield) +
		w.corporate*corporateComponent(f.corporateSpread) +
		w.volatility*volatilityComponent(f.vix) +
		w.momentum*momentumComponent(f.spy, f.spyPrevious)
}

// selectVariant is the only place optional inputs are inspected for scoring.
func selectVariant(s models.Snapshot) scoreInput {
	base := compactSnapshot{
		slope:           s.Treasury10Y - s.Treasury2Y,
		highYield:       s.HighYieldSpread,
		corporateSpread: s.CorporateYield - s.Treasury10Y,
	}
	if s.VIX == nil || s.SPY == nil || s.SPYPrevious == nil || *s.SPYPrevious == 0 {
		return base
	}
	return fullSnapshot{compactSnapshot: base, vix: *s.VIX, spy: *s.SPY, spyPrevious: *s.SPYPrevious}
}

func curveComponent(slope float64) float64 { return clamp((slope + 2) * 25) }
func highYieldComponent(spread float64) float64 { return clamp(spread / 10 * 100) }
func corporateComponent(spread float64) float64 { return clamp(spread / 5 * 100) }
func volatilityComponent(vix float64) float64 { return clamp(100 - vix/40*100) }
func momentumComponent(spy, prev float64) float64 { return clamp(percentChange(spy, prev)) }

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func percentChange(cur, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}

// Assessor turns snapshots into risk metrics. It keeps no state.
type Assessor struct{}

func NewAssessor() *Assessor { return &Assessor{} }

// CalculateRiskMetrics scores s. Missing optional inputs fall back to the
// compact formula and neutral statuses.
func (a *Assessor) CalculateRiskMetrics(s models.Snapshot) models.RiskMetrics {
	in := selectVariant(s)
	slope := s.Treasury10Y - s.Treasury2Y
	score := in.score()
	realAvg := average(s.RealRates)

	m := models.RiskMetrics{
		RiskScore:        score,
		YieldCurveSlope:  slope,
		RealRatesAverage: realAvg,
		VolatilityStatus: VolatilityStatus(s.VIX),
		MarketTrend:      Trend(s.SPY, s.SPYPrevious),
		CurveShape:       Shape(slope),
		Variant:          in.variant(),
	}
	m.RiskStatus = status(score, slope, s.VIX, realAvg)
	return m
}

func status(score, slope float64, vix *float64, realAvg float64) models.RiskStatus {
	st := models.RiskNeutral
	switch {
	case score > RiskOnScore && slope > 0:
		st = models.RiskOn
	case score < RiskOffScore || slope < 0:
		st = models.RiskOff
	}

	if vix != nil {
		if *vix > HighVIX {
			st = models.RiskOff
		} else if *vix < LowVIX {
			st = models.RiskOn
		}
	}

	if realAvg < 0 {
		st = models.RiskOff
	} else if realAvg > 0 && st == models.RiskNeutral {
		st = models.RiskOn
	}
	return st
}

// VolatilityStatus buckets VIX. Absent VIX is Normal.
func VolatilityStatus(vix *float64) models.VolatilityStatus {
	switch {
	case vix == nil:
		return models.VolatilityNormal
	case *vix > HighVIX:
		return models.VolatilityHigh
	case *vix < LowVIX:
		return models.VolatilityLow
	default:
		return models.VolatilityNormal
	}
}

// Trend compares spy to its previous close.
func Trend(spy, prev *float64) models.MarketTrend {
	if spy == nil || prev == nil || *prev == 0 {
		return models.TrendStable
	}
	pct := percentChange(*spy, *prev)
	switch {
	case math.Abs(pct) < StableTrendPct:
		return models.TrendStable
	case pct > 0:
		return models.TrendUp
	default:
		return models.TrendDown
	}
}

// Shape classifies the 10Y-2Y slope.
func Shape(slope float64) models.CurveShape {
	switch {
	case slope < 0:
		return models.CurveInverted
	case slope < FlatCurveSpread:
		return models.CurveFlat
	case slope > SteepCurve:
		return models.CurveSteep
	default:
		return models.CurveNormal
	}
}

// ImpliedRate converts a rate futures price into its implied rate.
func ImpliedRate(price float64) float64 { return 100 - price }

// RealRates subtracts TIPS yields from nominal yields per tenor. Tenors
// missing from either side are skipped.
func RealRates(nominal, tips map[models.Tenor]float64) map[models.Tenor]float64 {
	out := make(map[models.Tenor]float64, len(tips))
	for tenor, t := range tips {
		if n, ok := nominal[tenor]; ok {
			out[tenor] = n - t
		}
	}
	return out
}

// Range returns the one-day price bands implied by vix.
func Range(vix, price float64) models.ExpectedRange {
	sigma := vix / 100 / math.Sqrt(TradingDays)
	r := models.ExpectedRange{Price: price, DailySigma: sigma}
	for i := 0; i < 3; i++ {
		move := price * sigma * float64(i+1)
		r.Bands[i] = [2]float64{price - move, price + move}
	}
	return r
}

func average(m map[models.Tenor]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}
