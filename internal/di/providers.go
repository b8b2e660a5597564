package di

import (
	"context"
	"fmt"
	"time"

	"MarketPulse/internal/domain/repository"
	"MarketPulse/internal/handler/api"
	internalrepo "MarketPulse/internal/repository"
	"MarketPulse/internal/service/cache"
	"MarketPulse/internal/service/errorbus"
	"MarketPulse/internal/service/provider"
	"MarketPulse/internal/service/ratelimit"
	"MarketPulse/internal/service/realtime"
	"MarketPulse/internal/service/retry"
	"MarketPulse/internal/services/risk"
	"MarketPulse/internal/usecase"
	pkgcache "MarketPulse/pkg/cache"
	pkgch "MarketPulse/pkg/clickhouse"
	"MarketPulse/pkg/config"
	xhttp "MarketPulse/pkg/http"
	"MarketPulse/pkg/http/middleware"
	pkgkafka "MarketPulse/pkg/kafka"
	applogger "MarketPulse/pkg/logger"
	"MarketPulse/pkg/metrics"
	"MarketPulse/pkg/server"
)

const schemaTimeout = 10 * time.Second

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: cfg.Log.TimeFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder on the default registry.
func ProvideMetrics() repository.Metrics {
	return metrics.New(nil)
}

// ProvideErrorBus creates the bounded error store.
func ProvideErrorBus(cfg *config.Config, m repository.Metrics, l *applogger.Logger) *errorbus.Bus {
	return errorbus.New(
		errorbus.WithCapacity(cfg.Monitor.ErrorCapacity),
		errorbus.WithMetrics(m),
		errorbus.WithLogger(l),
	)
}

// ProvideRateLimiter creates the per-provider rolling window limiter.
func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.WithLimits(cfg.RateLimits()))
}

// ProvideRetryPolicy creates the retry policy gated by the limiter.
func ProvideRetryPolicy(cfg *config.Config, limiter *ratelimit.Limiter, l *applogger.Logger) *retry.Policy {
	return retry.New(
		retry.WithLimiter(limiter),
		retry.WithDefaults(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay),
		retry.WithAttemptTimeout(cfg.Retry.AttemptTimeout),
		retry.WithAdmitWait(cfg.Retry.AdmitWait),
		retry.WithLogger(l),
	)
}

// ProvideFetchCache creates the TTL cache shared by every adapter.
func ProvideFetchCache(policy *retry.Policy, bus *errorbus.Bus, m repository.Metrics, l *applogger.Logger) *cache.FetchCache {
	return cache.NewFetchCache(policy,
		cache.WithRecorder(bus),
		cache.WithMetrics(m),
		cache.WithLogger(l),
	)
}

func settings(cfg *config.Config, p config.ProviderConfig) provider.Settings {
	return provider.Settings{
		BaseURL:    p.BaseURL,
		APIKey:     p.APIKey,
		TTL:        p.TTL,
		Timeout:    p.Timeout,
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
	}
}

func ProvideFRED(cfg *config.Config, c *cache.FetchCache) *provider.FRED {
	return provider.NewFRED(settings(cfg, cfg.Providers.FRED), c)
}

func ProvideFutures(cfg *config.Config, c *cache.FetchCache) *provider.Futures {
	return provider.NewFutures(settings(cfg, cfg.Providers.Nasdaq), c)
}

func ProvideMarket(cfg *config.Config, c *cache.FetchCache) *provider.Market {
	return provider.NewMarket(settings(cfg, cfg.Providers.Finnhub), c, cfg.Providers.Symbols)
}

func ProvideNews(cfg *config.Config, c *cache.FetchCache) *provider.News {
	return provider.NewNews(settings(cfg, cfg.Providers.NewsAPI), c)
}

// ProvideMarketData creates the composite market data use case.
func ProvideMarketData(
	fred *provider.FRED,
	futures *provider.Futures,
	market *provider.Market,
	news *provider.News,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.MarketData {
	return usecase.NewMarketData(fred, futures, market, news, m, l)
}

// ProvideAssessor creates the stateless risk engine.
func ProvideAssessor() *risk.Assessor {
	return risk.NewAssessor()
}

// ProvideChannel creates the realtime price channel. Its token falls back
// to the Finnhub REST key.
func ProvideChannel(cfg *config.Config, bus *errorbus.Bus, m repository.Metrics, l *applogger.Logger) *realtime.Manager {
	key := cfg.Realtime.APIKey
	if key == "" {
		key = cfg.Providers.Finnhub.APIKey
	}
	return realtime.New(realtime.Config{
		URL:                  cfg.Realtime.URL,
		APIKey:               key,
		Symbols:              cfg.Realtime.Symbols,
		ReconnectInterval:    cfg.Realtime.ReconnectInterval,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
	},
		realtime.WithRecorder(bus),
		realtime.WithMetrics(m),
		realtime.WithLogger(l.With(applogger.String("component", "channel"))),
	)
}

// ProvideKafkaSink creates the Kafka producer and sink.
func ProvideKafkaSink(cfg *config.Config) (*internalrepo.KafkaSink, error) {
	k := cfg.Export.Kafka
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(k.Brokers),
		pkgkafka.WithClientID("marketpulse"),
		pkgkafka.WithCompression(k.Compression),
		pkgkafka.WithRequiredAcks(k.RequiredAcks),
		pkgkafka.WithMaxAttempts(k.MaxAttempts),
		pkgkafka.WithBatching(k.BatchSize, k.Linger),
		pkgkafka.WithWriteTimeout(k.WriteTimeout),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return internalrepo.NewKafkaSink(producer, k.AssessmentsTopic, k.ErrorsTopic), nil
}

// ProvideClickHouseSink opens ClickHouse, creates the sink tables and hands
// the client to the sink.
func ProvideClickHouseSink(cfg *config.Config) (*internalrepo.ClickHouseSink, error) {
	c := cfg.Export.ClickHouse
	client, err := pkgch.NewClient(
		pkgch.WithAddrs(c.Addrs...),
		pkgch.WithDatabase(c.Database),
		pkgch.WithCredentials(c.User, c.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(c.UseHTTP),
		pkgch.WithAsyncInsert(c.AsyncInsert),
		pkgch.WithTimeouts(c.DialTimeout, c.ReadTimeout),
		pkgch.WithMaxExecutionTime(c.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.Schema(c.AssessmentsTable, c.ErrorsTable)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return internalrepo.NewClickHouseSink(client.DB(), c.AssessmentsTable, c.ErrorsTable).WithCloser(client), nil
}

// ProvideRedisSink connects to Redis and creates the sink.
func ProvideRedisSink(cfg *config.Config) (*internalrepo.RedisSink, error) {
	r := cfg.Export.Redis
	store, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisAddr(r.Addr),
		pkgcache.WithRedisPassword(r.Password),
		pkgcache.WithRedisDB(r.DB),
		pkgcache.WithRedisPrefix(r.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return internalrepo.NewRedisSink(store, r.HistoryMax, r.LatestTTL), nil
}

// ProvideSinks builds one sink per configured export backend. Sinks already
// opened are closed if a later one fails.
func ProvideSinks(cfg *config.Config, l *applogger.Logger) ([]repository.AssessmentSink, error) {
	var sinks []repository.AssessmentSink
	fail := func(err error) ([]repository.AssessmentSink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	for _, b := range cfg.Export.Backends {
		var (
			s   repository.AssessmentSink
			err error
		)
		switch b {
		case config.BackendKafka:
			s, err = ProvideKafkaSink(cfg)
		case config.BackendClickHouse:
			s, err = ProvideClickHouseSink(cfg)
		case config.BackendRedis:
			s, err = ProvideRedisSink(cfg)
		default:
			err = fmt.Errorf("unknown export backend %q", b)
		}
		if err != nil {
			return fail(err)
		}
		l.Info("export.sink_ready", applogger.String("sink", s.Name()))
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// ProvideMonitor creates the background assessment loop.
func ProvideMonitor(
	cfg *config.Config,
	data *usecase.MarketData,
	assessor *risk.Assessor,
	channel *realtime.Manager,
	bus *errorbus.Bus,
	sinks []repository.AssessmentSink,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.Monitor {
	var ch usecase.Channel
	if cfg.Realtime.Enabled {
		ch = channel
	}
	return usecase.NewMonitor(usecase.MonitorConfig{
		RefreshInterval: cfg.Monitor.RefreshInterval,
		HistorySize:     cfg.Monitor.HistorySize,
		LiveSPYSymbol:   cfg.Realtime.LiveSPYSymbol,
		LiveVIXSymbol:   cfg.Realtime.LiveVIXSymbol,
	}, data, assessor, ch, bus, sinks, m, l.With(applogger.String("component", "monitor")))
}

// ProvideClientLimiter creates the per-client API throttle.
func ProvideClientLimiter(cfg *config.Config) *middleware.ClientLimiter {
	return middleware.NewClientLimiter(cfg.API.RatePerMinute, cfg.API.Burst)
}

// ProvideMarketHandler creates the /api handler. The channel is left out when
// realtime prices are disabled.
func ProvideMarketHandler(
	cfg *config.Config,
	l *applogger.Logger,
	data *usecase.MarketData,
	monitor *usecase.Monitor,
	assessor *risk.Assessor,
	bus *errorbus.Bus,
	channel *realtime.Manager,
	c *cache.FetchCache,
	limiter *middleware.ClientLimiter,
) *api.MarketHandler {
	var ch api.ChannelStatus
	if cfg.Realtime.Enabled {
		ch = channel
	}
	return api.NewMarketHandler(l, data, monitor, assessor, bus, ch, c, limiter)
}

// ProvideHTTPServer creates the echo server.
func ProvideHTTPServer(cfg *config.Config, h *api.MarketHandler, l *applogger.Logger) *xhttp.Server {
	return xhttp.NewServer(h,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithAllowOrigins(cfg.Server.AllowOrigins),
		xhttp.WithMetrics(cfg.Metrics.Enabled, cfg.Metrics.Path),
		xhttp.WithLogger(l.With(applogger.String("component", "http"))),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	channel *realtime.Manager,
	monitor *usecase.Monitor,
	h *api.MarketHandler,
	srv *xhttp.Server,
	sinks []repository.AssessmentSink,
) *server.App {
	app := server.New(server.Options{
		RealtimeEnabled: cfg.Realtime.Enabled,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, l, channel, monitor, srv, sinks)
	app.OnShutdown(h.Close)
	return app
}
