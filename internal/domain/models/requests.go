package models

import "time"

// Requests for the market HTTP endpoints.

type LimitRequest struct {
	Limit int `query:"limit" json:"limit" default:"20" validate:"gte=1,lte=100"`
}

type ErrorsRequest struct {
	Since string `query:"since" json:"since"`
}

// AssessRequest scores a caller-supplied snapshot.
type AssessRequest struct {
	Treasury2Y      float64  `json:"treasury_2y" validate:"gte=-5,lte=30"`
	Treasury5Y      float64  `json:"treasury_5y" validate:"gte=-5,lte=30"`
	Treasury10Y     float64  `json:"treasury_10y" validate:"gte=-5,lte=30"`
	Treasury30Y     float64  `json:"treasury_30y" validate:"gte=-5,lte=30"`
	CorporateYield  float64  `json:"corporate_yield" validate:"gte=0,lte=50"`
	HighYieldSpread float64  `json:"high_yield_spread" validate:"gte=0,lte=50"`
	VIX             *float64 `json:"vix" validate:"omitempty,gt=0,lte=200"`
	SPY             *float64 `json:"spy" validate:"omitempty,gt=0"`
	SPYPrevious     *float64 `json:"spy_previous" validate:"omitempty,gt=0"`
	TIPS5Y          *float64 `json:"tips_5y" validate:"omitempty,gte=-5,lte=30"`
	TIPS10Y         *float64 `json:"tips_10y" validate:"omitempty,gte=-5,lte=30"`
	TIPS30Y         *float64 `json:"tips_30y" validate:"omitempty,gte=-5,lte=30"`
}

// TIPS returns the supplied TIPS yields per tenor.
func (r *AssessRequest) TIPS() map[Tenor]float64 {
	out := map[Tenor]float64{}
	for tenor, v := range map[Tenor]*float64{Tenor5Y: r.TIPS5Y, Tenor10Y: r.TIPS10Y, Tenor30Y: r.TIPS30Y} {
		if v != nil {
			out[tenor] = *v
		}
	}
	return out
}

// Nominal returns the treasury yields per tenor used for real rates.
func (r *AssessRequest) Nominal() map[Tenor]float64 {
	return map[Tenor]float64{
		Tenor5Y:  r.Treasury5Y,
		Tenor10Y: r.Treasury10Y,
		Tenor30Y: r.Treasury30Y,
	}
}

// Snapshot converts the request without real rates; the caller derives them.
func (r *AssessRequest) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Treasury2Y:      r.Treasury2Y,
		Treasury5Y:      r.Treasury5Y,
		Treasury10Y:     r.Treasury10Y,
		Treasury30Y:     r.Treasury30Y,
		CorporateYield:  r.CorporateYield,
		HighYieldSpread: r.HighYieldSpread,
		VIX:             r.VIX,
		SPY:             r.SPY,
		SPYPrevious:     r.SPYPrevious,
		Timestamp:       now,
	}
}

// AssessResponse is the result of an on-demand assessment.
type AssessResponse struct {
	Metrics RiskMetrics    `json:"metrics"`
	Range   *ExpectedRange `json:"expected_range,omitempty"`
}
