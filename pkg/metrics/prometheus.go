package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var channelStates = []string{"disconnected", "connecting", "connected", "closing"}

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	fetchesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	riskScore    prometheus.Gauge
	riskStatus   *prometheus.GaugeVec
	lastPrice    *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
	channelState *prometheus.GaugeVec
}

// New creates a recorder registered with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		fetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_fetches_total",
				Help: "Indicator resolutions by provider and source (cache, network, fallback)",
			},
			[]string{"provider", "source"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_errors_total",
				Help: "Errors recorded on the error bus by kind",
			},
			[]string{"kind"},
		),
		riskScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_risk_score",
			Help: "Latest composite risk score (0-100)",
		}),
		riskStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketpulse_risk_status",
				Help: "1 for the current risk status, 0 otherwise",
			},
			[]string{"status"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketpulse_last_price",
				Help: "Last live price for a symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		channelState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketpulse_channel_state",
				Help: "1 for the realtime channel's current state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// RecordFetch counts one resolved indicator.
func (r *Recorder) RecordFetch(provider, source string) {
	r.fetchesTotal.WithLabelValues(provider, source).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordRiskScore sets the score gauge and flips the status gauges.
func (r *Recorder) RecordRiskScore(score float64, status string) {
	r.riskScore.Set(score)
	for _, s := range []string{"RISK_ON", "RISK_OFF", "NEUTRAL"} {
		v := 0.0
		if s == status {
			v = 1
		}
		r.riskStatus.WithLabelValues(s).Set(v)
	}
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.channelState.WithLabelValues(s).Set(v)
	}
}
