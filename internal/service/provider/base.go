package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/service/cache"
	xhttp "MarketPulse/pkg/http"
)

// Cache is the part of the fetch cache adapters depend on.
type Cache interface {
	GetOrFetch(ctx context.Context, req cache.FetchRequest) (cache.Result, error)
}

// Settings holds one upstream family's connection parameters.
type Settings struct {
	BaseURL    string
	APIKey     string
	TTL        time.Duration
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// Reading is one resolved indicator value.
type Reading struct {
	Value    float64      `json:"value"`
	Previous float64      `json:"previous,omitempty"`
	Source   cache.Source `json:"source"`
	Err      error        `json:"-"`
}

// Resolved reports whether the reading carries a value, fresh or fallback.
// Zero is a valid value.
func (r Reading) Resolved() bool { return r.Source != "" }

// inspector reports a provider error carried in a 2xx body.
type inspector func(body []byte) error

// HTTPBase issues GET requests for one provider and classifies failures.
type HTTPBase struct {
	provider string
	settings Settings
	client   *xhttp.Client
	inspect  inspector
}

// NewHTTPBase builds a client for provider with the settings' timeout.
func NewHTTPBase(provider string, s Settings, inspect inspector) *HTTPBase {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBase{
		provider: provider,
		settings: s,
		client:   xhttp.NewClient(xhttp.WithTimeout(timeout), xhttp.WithUserAgent("marketpulse-"+provider)),
		inspect:  inspect,
	}
}

// Provider returns the rate-limit and error key.
func (b *HTTPBase) Provider() string { return b.provider }

// GetJSON fetches path under the base URL and returns the raw body.
func (b *HTTPBase) GetJSON(ctx context.Context, path string, query map[string][]string, headers map[string]string) ([]byte, error) {
	if b.settings.BaseURL == "" {
		return nil, errs.New(errs.KindNetwork, b.provider, "base url not configured")
	}
	var body []byte
	err := b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         strings.TrimRight(b.settings.BaseURL, "/") + path,
		Headers:     headers,
		QueryParams: query,
	}, &body)
	if err != nil {
		var se *xhttp.StatusError
		if errors.As(err, &se) {
			return nil, classifyStatus(b.provider, se)
		}
		return nil, errs.Classify(b.provider, err)
	}
	if b.inspect != nil {
		if err := b.inspect(body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// request builds a cache request for key around fetch.
func (b *HTTPBase) request(key string, fetch cache.Fetcher, fallback json.RawMessage) cache.FetchRequest {
	return cache.FetchRequest{
		Key:        b.provider + ":" + key,
		Provider:   b.provider,
		TTL:        b.settings.TTL,
		Fetch:      fetch,
		Fallback:   fallback,
		MaxRetries: b.settings.MaxRetries,
		BaseDelay:  b.settings.BaseDelay,
	}
}

func classifyStatus(provider string, se *xhttp.StatusError) *errs.Error {
	msg := strings.TrimSpace(string(se.Body))
	if e := classifyMessage(provider, msg); e != nil {
		e.Status = se.Status
		e.Err = se
		return e
	}
	switch se.Status {
	case http.StatusTooManyRequests:
		return &errs.Error{Kind: errs.KindAPI, Reason: errs.ReasonRateLimited, Provider: provider, Status: se.Status, Err: se}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &errs.Error{Kind: errs.KindAPI, Reason: errs.ReasonInvalidKey, Provider: provider, Status: se.Status, Err: se}
	}
	return &errs.Error{Kind: errs.KindAPI, Reason: errs.ReasonStatus, Provider: provider, Status: se.Status, Err: se}
}

var (
	invalidKeyHints = []string{"api_key", "api key", "apikey", "invalid key", "could not recognize your api"}
	rateLimitHints  = []string{"rate limit", "ratelimited", "limit reached", "too many requests", "call frequency"}
)

// classifyMessage inspects an upstream message for key or throttling problems.
func classifyMessage(provider, msg string) *errs.Error {
	if msg == "" {
		return nil
	}
	lower := strings.ToLower(msg)
	for _, h := range rateLimitHints {
		if strings.Contains(lower, h) {
			return errs.RateLimited(provider, truncate(msg, 200))
		}
	}
	for _, h := range invalidKeyHints {
		if strings.Contains(lower, h) {
			return errs.InvalidKey(provider, truncate(msg, 200))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func decodeBody(provider string, body []byte, dest interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dest); err != nil {
		return errs.Wrap(errs.KindValidation, provider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
