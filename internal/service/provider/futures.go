package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/cache"
)

const ProviderNasdaq = "nasdaq"

// Continuous Fed-funds futures contracts.
const (
	DatasetFedFunds1M = "CHRIS/CME_FF1"
	DatasetFedFunds3M = "CHRIS/CME_FF3"
)

var futuresDefaults = map[string]float64{
	DatasetFedFunds1M: 95.67,
	DatasetFedFunds3M: 95.80,
}

// Futures reads settlement prices from Nasdaq Data Link style datasets.
type Futures struct {
	base  *HTTPBase
	cache Cache
}

func NewFutures(s Settings, c Cache) *Futures {
	if s.TTL <= 0 {
		s.TTL = 5 * time.Minute
	}
	return &Futures{base: NewHTTPBase(ProviderNasdaq, s, inspectNasdaq), cache: c}
}

type nasdaqResponse struct {
	DatasetData struct {
		ColumnNames []string        `json:"column_names"`
		Data        [][]interface{} `json:"data"`
	} `json:"dataset_data"`
}

func inspectNasdaq(body []byte) error {
	var r struct {
		Err *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"quandl_error"`
	}
	if json.Unmarshal(body, &r) == nil && r.Err != nil {
		if e := classifyMessage(ProviderNasdaq, r.Err.Message); e != nil {
			return e
		}
		return errs.Errorf(errs.KindAPI, ProviderNasdaq, "%s: %s", r.Err.Code, r.Err.Message)
	}
	return nil
}

// Settle returns the latest settlement of dataset code.
func (f *Futures) Settle(ctx context.Context, code string) (models.FuturesSettle, cache.Source, error) {
	var fallback json.RawMessage
	if v, ok := futuresDefaults[code]; ok {
		fallback = mustJSON(models.FuturesSettle{Code: code, Settle: v})
	}

	res, err := f.cache.GetOrFetch(ctx, f.base.request(code, func(ctx context.Context) (json.RawMessage, error) {
		return f.fetch(ctx, code)
	}, fallback))
	if err != nil {
		return models.FuturesSettle{}, "", err
	}
	s, err := cache.Decode[models.FuturesSettle](res)
	if err != nil {
		return models.FuturesSettle{}, "", err
	}
	return s, res.Source, res.Err
}

// ImpliedRate resolves code into the rate it implies (100 - price).
func (f *Futures) ImpliedRate(ctx context.Context, code string) Reading {
	s, src, err := f.Settle(ctx, code)
	if s.Settle == 0 {
		if err == nil {
			err = errs.Errorf(errs.KindValidation, ProviderNasdaq, "no settle price for %s", code)
		}
		return Reading{Err: err}
	}
	return Reading{Value: 100 - s.Settle, Source: src, Err: err}
}

func (f *Futures) fetch(ctx context.Context, code string) (json.RawMessage, error) {
	body, err := f.base.GetJSON(ctx, fmt.Sprintf("/datasets/%s/data.json", code), map[string][]string{
		"api_key": {f.base.settings.APIKey},
		"rows":    {"1"},
	}, nil)
	if err != nil {
		return nil, err
	}

	var r nasdaqResponse
	if err := decodeBody(ProviderNasdaq, body, &r); err != nil {
		return nil, err
	}
	col := columnIndex(r.DatasetData.ColumnNames, "settle", "last")
	if col < 0 || len(r.DatasetData.Data) == 0 || len(r.DatasetData.Data[0]) <= col {
		return nil, errs.Errorf(errs.KindValidation, ProviderNasdaq, "no settle column in %s", code)
	}
	row := r.DatasetData.Data[0]
	price, ok := row[col].(float64)
	if !ok || price <= 0 {
		return nil, errs.Errorf(errs.KindValidation, ProviderNasdaq, "bad settle value %v in %s", row[col], code)
	}
	date, _ := row[0].(string)
	return mustJSON(models.FuturesSettle{Code: code, Date: date, Settle: price}), nil
}

func columnIndex(cols []string, names ...string) int {
	for _, n := range names {
		for i, c := range cols {
			if strings.EqualFold(c, n) {
				return i
			}
		}
	}
	return -1
}
