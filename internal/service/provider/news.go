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

const ProviderNewsAPI = "newsapi"

// News reads business headlines.
type News struct {
	base     *HTTPBase
	cache    Cache
	category string
}

func NewNews(s Settings, c Cache) *News {
	if s.TTL <= 0 {
		s.TTL = 5 * time.Minute
	}
	return &News{base: NewHTTPBase(ProviderNewsAPI, s, inspectNewsAPI), cache: c, category: "business"}
}

type newsResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string    `json:"title"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func inspectNewsAPI(body []byte) error {
	var r struct {
		Status  string `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &r) != nil || r.Status != "error" {
		return nil
	}
	switch r.Code {
	case "apiKeyInvalid", "apiKeyMissing", "apiKeyDisabled", "apiKeyExhausted":
		return errs.InvalidKey(ProviderNewsAPI, r.Message)
	case "rateLimited":
		return errs.RateLimited(ProviderNewsAPI, r.Message)
	}
	return errs.Errorf(errs.KindAPI, ProviderNewsAPI, "%s: %s", r.Code, r.Message)
}

// Headlines returns up to limit headlines. An empty list is the fallback.
func (n *News) Headlines(ctx context.Context, limit int) ([]models.Headline, cache.Source, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	key := "headlines:" + strconv.Itoa(limit)
	res, err := n.cache.GetOrFetch(ctx, n.base.request(key, func(ctx context.Context) (json.RawMessage, error) {
		return n.fetch(ctx, limit)
	}, json.RawMessage(`[]`)))
	if err != nil {
		return nil, res.Source, err
	}
	hs, err := cache.Decode[[]models.Headline](res)
	if err != nil {
		return nil, res.Source, err
	}
	return hs, res.Source, res.Err
}

func (n *News) fetch(ctx context.Context, limit int) (json.RawMessage, error) {
	body, err := n.base.GetJSON(ctx, "/top-headlines", map[string][]string{
		"category": {n.category},
		"language": {"en"},
		"pageSize": {strconv.Itoa(limit)},
	}, map[string]string{
		"X-Api-Key": n.base.settings.APIKey,
	})
	if err != nil {
		return nil, err
	}

	var r newsResponse
	if err := decodeBody(ProviderNewsAPI, body, &r); err != nil {
		return nil, err
	}
	out := make([]models.Headline, 0, len(r.Articles))
	for _, a := range r.Articles {
		if a.Title == "" || a.Title == "[Removed]" {
			continue
		}
		out = append(out, models.Headline{
			Title:       a.Title,
			Source:      a.Source.Name,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		})
	}
	return mustJSON(out), nil
}
