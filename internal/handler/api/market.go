package api

import (
	"context"
	"net/http"
	"time"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/cache"
	"MarketPulse/internal/service/realtime"
	"MarketPulse/internal/services/risk"
	"MarketPulse/internal/usecase"
	xhttp "MarketPulse/pkg/http"
	"MarketPulse/pkg/http/middleware"
	xlogger "MarketPulse/pkg/logger"

	"github.com/labstack/echo/v4"
)

// MarketDataSource is the market data use case.
type MarketDataSource interface {
	FetchCritical(ctx context.Context) (*usecase.CriticalIndicators, error)
	Headlines(ctx context.Context, limit int) ([]models.Headline, cache.Source, error)
}

// RiskMonitor is the background assessment loop.
type RiskMonitor interface {
	Latest() *models.Assessment
	History(limit int) []*models.Assessment
	Refresh(ctx context.Context) (*models.Assessment, error)
	Subscribe(fn func(*models.Assessment)) func()
}

// ErrorLog is the error bus.
type ErrorLog interface {
	Errors() []models.ErrorRecord
	Clear()
	FatalCount() int
}

// ChannelStatus is the realtime channel.
type ChannelStatus interface {
	State() realtime.ChannelState
	IsHealthy() bool
	On(event realtime.Event, h realtime.Handler) func()
}

// CacheStats reports fetch cache occupancy.
type CacheStats interface {
	Len() int
	Stats() cache.Stats
}

type marketDataResponse struct {
	Values    map[string]float64      `json:"values"`
	Previous  map[string]float64      `json:"previous,omitempty"`
	Sources   map[string]cache.Source `json:"sources"`
	Failures  map[string]string       `json:"failures,omitempty"`
	Snapshot  models.Snapshot         `json:"snapshot"`
	FetchedAt time.Time               `json:"fetched_at"`
}

type headlinesResponse struct {
	Headlines []models.Headline `json:"headlines"`
	Source    cache.Source      `json:"source"`
}

type healthResponse struct {
	Status          string             `json:"status"`
	Channel         realtime.State     `json:"channel"`
	Realtime        bool               `json:"realtime"`
	ChannelHealthy  bool               `json:"channel_healthy"`
	CacheEntries    int                `json:"cache_entries"`
	CacheStats      cache.Stats        `json:"cache_stats"`
	Errors          int                `json:"errors"`
	FatalErrors     int                `json:"fatal_errors"`
	LastAssessment  *time.Time         `json:"last_assessment,omitempty"`
	AssessmentAgeMs int64              `json:"assessment_age_ms,omitempty"`
	StreamClients   int                `json:"stream_clients"`
	RiskStatus      *models.RiskStatus `json:"risk_status,omitempty"`
}

// MarketHandler serves the market, risk and error endpoints under /api.
type MarketHandler struct {
	logger   *xlogger.Logger
	data     MarketDataSource
	monitor  RiskMonitor
	assessor *risk.Assessor
	errors   ErrorLog
	channel  ChannelStatus
	cache    CacheStats
	limiter  *middleware.ClientLimiter
	hub      *StreamHub
	now      func() time.Time
}

// NewMarketHandler wires the handler and starts relaying monitor and
// channel events to stream clients. channel and stats may be nil.
func NewMarketHandler(
	logger *xlogger.Logger,
	data MarketDataSource,
	monitor RiskMonitor,
	assessor *risk.Assessor,
	errors ErrorLog,
	channel ChannelStatus,
	stats CacheStats,
	limiter *middleware.ClientLimiter,
) *MarketHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	if assessor == nil {
		assessor = risk.NewAssessor()
	}
	h := &MarketHandler{
		logger:   logger,
		data:     data,
		monitor:  monitor,
		assessor: assessor,
		errors:   errors,
		channel:  channel,
		cache:    stats,
		limiter:  limiter,
		hub:      NewStreamHub(logger),
		now:      time.Now,
	}
	h.hub.Relay(monitor, channel)
	return h
}

// Hub returns the stream hub.
func (h *MarketHandler) Hub() *StreamHub { return h.hub }

// Close disconnects stream clients and stops relaying.
func (h *MarketHandler) Close() { h.hub.Close() }

func (h *MarketHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	if h.limiter != nil {
		g.Use(middleware.RateLimit(h.limiter))
	}
	g.GET("/market-data", h.MarketData)
	g.GET("/risk", h.Risk)
	g.GET("/risk/history", h.RiskHistory)
	g.POST("/risk/assess", h.Assess)
	g.GET("/news", h.News)
	g.GET("/errors", h.Errors)
	g.DELETE("/errors", h.ClearErrors)
	g.GET("/channel", h.Channel)
	g.GET("/health", h.Health)
	g.GET("/stream", h.Stream)
}

func (h *MarketHandler) MarketData(c echo.Context) error {
	ind, err := h.data.FetchCritical(c.Request().Context())
	if err != nil {
		h.logger.Error("api.market_data_failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("market data unavailable").WithError(err))
	}

	res := marketDataResponse{
		Values:    make(map[string]float64, len(ind.Readings)),
		Previous:  map[string]float64{},
		Sources:   ind.Sources(),
		Failures:  ind.Failures(),
		Snapshot:  ind.Snapshot(),
		FetchedAt: ind.FetchedAt,
	}
	for name, r := range ind.Readings {
		res.Values[name] = r.Value
		if r.Previous > 0 {
			res.Previous[name] = r.Previous
		}
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}

// Risk returns the latest assessment, refreshing once if none exists yet.
func (h *MarketHandler) Risk(c echo.Context) error {
	if a := h.monitor.Latest(); a != nil {
		return xhttp.SuccessResponse(c, a)
	}
	a, err := h.monitor.Refresh(c.Request().Context())
	if err != nil {
		h.logger.Error("api.risk_refresh_failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("risk assessment unavailable").WithError(err))
	}
	return xhttp.SuccessResponse(c, a)
}

func (h *MarketHandler) RiskHistory(c echo.Context) error {
	req := &models.LimitRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.monitor.History(req.Limit)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// Assess scores the posted snapshot without touching monitor history.
func (h *MarketHandler) Assess(c echo.Context) error {
	req := &models.AssessRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	snap := req.Snapshot(h.now())
	snap.RealRates = risk.RealRates(req.Nominal(), req.TIPS())

	res := models.AssessResponse{Metrics: h.assessor.CalculateRiskMetrics(snap)}
	if snap.VIX != nil && snap.SPY != nil {
		r := risk.Range(*snap.VIX, *snap.SPY)
		res.Range = &r
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *MarketHandler) News(c echo.Context) error {
	req := &models.LimitRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	hs, src, err := h.data.Headlines(c.Request().Context(), req.Limit)
	if err != nil {
		// fallback results still carry an (empty) list
		h.logger.Warn("api.news_degraded", xlogger.String("source", string(src)), xlogger.Error(err))
	}
	if hs == nil {
		hs = []models.Headline{}
	}
	return xhttp.SuccessResponse(c, headlinesResponse{Headlines: hs, Source: src})
}

// Errors lists error records, optionally only those after ?since.
func (h *MarketHandler) Errors(c echo.Context) error {
	req := &models.ErrorsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	recs := h.errors.Errors()
	if req.Since != "" {
		since := xhttp.ParseTimeDefault(req.Since, time.Time{})
		if since.IsZero() {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid since %q", req.Since))
		}
		filtered := recs[:0]
		for _, r := range recs {
			if r.Timestamp.After(since) {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}
	return xhttp.ListResponse(c, recs, int64(len(recs)))
}

func (h *MarketHandler) ClearErrors(c echo.Context) error {
	h.errors.Clear()
	return xhttp.NoContentResponse(c)
}

func (h *MarketHandler) Channel(c echo.Context) error {
	if h.channel == nil {
		return xhttp.SuccessResponse(c, realtime.ChannelState{Status: realtime.StateDisconnected})
	}
	return xhttp.SuccessResponse(c, h.channel.State())
}

// Health is degraded when the channel is unhealthy or the last assessment
// is missing.
func (h *MarketHandler) Health(c echo.Context) error {
	res := healthResponse{
		Status:        "ok",
		Channel:       realtime.StateDisconnected,
		Errors:        len(h.errors.Errors()),
		FatalErrors:   h.errors.FatalCount(),
		StreamClients: h.hub.Len(),
	}
	if h.channel != nil {
		res.Realtime = true
		res.Channel = h.channel.State().Status
		res.ChannelHealthy = h.channel.IsHealthy()
	}
	if h.cache != nil {
		res.CacheEntries = h.cache.Len()
		res.CacheStats = h.cache.Stats()
	}
	if a := h.monitor.Latest(); a != nil {
		at := a.AssessedAt
		st := a.Metrics.RiskStatus
		res.LastAssessment = &at
		res.AssessmentAgeMs = h.now().Sub(at).Milliseconds()
		res.RiskStatus = &st
	}
	if (res.Realtime && !res.ChannelHealthy) || res.LastAssessment == nil {
		res.Status = "degraded"
	}
	return xhttp.DataResponse(c, http.StatusOK, res)
}

func (h *MarketHandler) Stream(c echo.Context) error {
	return h.hub.ServeWS(c)
}
