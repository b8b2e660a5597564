package provider

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/cache"
)

const ProviderFRED = "fred"

// Series identifiers used by the composite fetch.
const (
	SeriesTreasury2Y  = "DGS2"
	SeriesTreasury5Y  = "DGS5"
	SeriesTreasury10Y = "DGS10"
	SeriesTreasury30Y = "DGS30"
	SeriesTIPS5Y      = "DFII5"
	SeriesTIPS10Y     = "DFII10"
	SeriesTIPS30Y     = "DFII30"
	SeriesCorporate   = "BAMLC0A0CMEY"
	SeriesHighYield   = "BAMLH0A0HYM2"
)

// fredDefaults are last-known values served when FRED cannot be reached.
var fredDefaults = map[string]float64{
	SeriesTreasury2Y:  4.25,
	SeriesTreasury5Y:  4.20,
	SeriesTreasury10Y: 4.30,
	SeriesTreasury30Y: 4.45,
	SeriesTIPS5Y:      2.05,
	SeriesTIPS10Y:     2.10,
	SeriesTIPS30Y:     2.25,
	SeriesCorporate:   5.40,
	SeriesHighYield:   3.20,
}

// FRED reads economic series observations.
type FRED struct {
	base  *HTTPBase
	cache Cache
	now   func() time.Time
}

func NewFRED(s Settings, c Cache) *FRED {
	if s.TTL <= 0 {
		s.TTL = 5 * time.Minute
	}
	return &FRED{base: NewHTTPBase(ProviderFRED, s, inspectFRED), cache: c, now: time.Now}
}

type fredResponse struct {
	ErrorMessage string `json:"error_message"`
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

func inspectFRED(body []byte) error {
	var r struct {
		ErrorMessage string `json:"error_message"`
	}
	if json.Unmarshal(body, &r) == nil && r.ErrorMessage != "" {
		if e := classifyMessage(ProviderFRED, r.ErrorMessage); e != nil {
			return e
		}
		return errs.New(errs.KindAPI, ProviderFRED, r.ErrorMessage)
	}
	return nil
}

// Latest returns the most recent non-missing observation of seriesID.
func (f *FRED) Latest(ctx context.Context, seriesID string) (models.Observation, cache.Source, error) {
	var fallback json.RawMessage
	if v, ok := fredDefaults[seriesID]; ok {
		fallback = mustJSON(models.Observation{SeriesID: seriesID, Value: v})
	}

	res, err := f.cache.GetOrFetch(ctx, f.base.request(seriesID, func(ctx context.Context) (json.RawMessage, error) {
		return f.fetch(ctx, seriesID)
	}, fallback))
	if err != nil {
		return models.Observation{}, "", err
	}
	obs, err := cache.Decode[models.Observation](res)
	if err != nil {
		return models.Observation{}, "", err
	}
	return obs, res.Source, res.Err
}

// Reading resolves seriesID into a Reading.
func (f *FRED) Reading(ctx context.Context, seriesID string) Reading {
	obs, src, err := f.Latest(ctx, seriesID)
	return Reading{Value: obs.Value, Source: src, Err: err}
}

func (f *FRED) fetch(ctx context.Context, seriesID string) (json.RawMessage, error) {
	body, err := f.base.GetJSON(ctx, "/series/observations", map[string][]string{
		"series_id":  {seriesID},
		"api_key":    {f.base.settings.APIKey},
		"file_type":  {"json"},
		"sort_order": {"desc"},
		"limit":      {"5"},
	}, nil)
	if err != nil {
		return nil, err
	}

	var r fredResponse
	if err := decodeBody(ProviderFRED, body, &r); err != nil {
		return nil, err
	}
	// "." marks a missing observation (holidays).
	for _, o := range r.Observations {
		if o.Value == "." || o.Value == "" {
			continue
		}
		v, err := strconv.ParseFloat(o.Value, 64)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, ProviderFRED, err)
		}
		return mustJSON(models.Observation{SeriesID: seriesID, Date: o.Date, Value: v, Fetched: f.now()}), nil
	}
	return nil, errs.Errorf(errs.KindValidation, ProviderFRED, "no observations for %s", seriesID)
}
