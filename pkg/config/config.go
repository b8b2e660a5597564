package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Export backend names.
const (
	BackendKafka      = "kafka"
	BackendClickHouse = "clickhouse"
	BackendRedis      = "redis"
)

type Config struct {
	Environment string          `yaml:"environment" default:"development" validate:"oneof=development staging production test"`
	Server      ServerConfig    `yaml:"server"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Log         LogConfig       `yaml:"log"`
	Providers   ProvidersConfig `yaml:"providers"`
	Retry       RetryConfig     `yaml:"retry"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	Export      ExportConfig    `yaml:"export"`
	API         APIConfig       `yaml:"api"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	AllowOrigins    []string      `yaml:"allow_origins"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics" validate:"startswith=/"`
}

type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output     string `yaml:"output" default:"stdout"`
	TimeFormat string `yaml:"time_format"`
}

// ProviderConfig describes one upstream family. RateLimit is requests per
// rolling minute; zero disables limiting.
type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	APIKey    string        `yaml:"api_key"`
	RateLimit int           `yaml:"rate_limit" validate:"min=0"`
	TTL       time.Duration `yaml:"ttl"`
	Timeout   time.Duration `yaml:"timeout" default:"5s"`
}

type ProvidersConfig struct {
	FRED    ProviderConfig    `yaml:"fred"`
	Nasdaq  ProviderConfig    `yaml:"nasdaq"`
	Finnhub ProviderConfig    `yaml:"finnhub"`
	NewsAPI ProviderConfig    `yaml:"newsapi"`
	Symbols map[string]string `yaml:"symbols"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" default:"3" validate:"min=0,max=10"`
	BaseDelay      time.Duration `yaml:"base_delay" default:"1s"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" default:"5s"`
	AdmitWait      time.Duration `yaml:"admit_wait" default:"1s"`
}

type RealtimeConfig struct {
	Enabled              bool          `yaml:"enabled" default:"true"`
	URL                  string        `yaml:"url" default:"wss://ws.finnhub.io" validate:"required_if=Enabled true"`
	APIKey               string        `yaml:"api_key"`
	Symbols              []string      `yaml:"symbols" default:"[\"SPY\",\"VIX\"]"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" default:"5s"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"5" validate:"min=1"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" default:"30s"`
	LiveSPYSymbol        string        `yaml:"live_spy_symbol" default:"SPY"`
	LiveVIXSymbol        string        `yaml:"live_vix_symbol" default:"VIX"`
}

type MonitorConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" default:"60s"`
	HistorySize     int           `yaml:"history_size" default:"20" validate:"min=1"`
	ErrorCapacity   int           `yaml:"error_capacity" default:"100" validate:"min=1"`
}

type ExportConfig struct {
	Backends   []string         `yaml:"backends" validate:"dive,oneof=kafka clickhouse redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
}

type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers"`
	AssessmentsTopic string        `yaml:"assessments_topic" default:"marketpulse.risk.assessments"`
	ErrorsTopic      string        `yaml:"errors_topic" default:"marketpulse.errors"`
	RequiredAcks     int           `yaml:"required_acks" default:"-1"`
	Compression      string        `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
	MaxAttempts      int           `yaml:"max_attempts" default:"3"`
	BatchSize        int           `yaml:"batch_size" default:"100"`
	Linger           time.Duration `yaml:"linger" default:"50ms"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
}

type ClickHouseConfig struct {
	Addrs            []string      `yaml:"addrs"`
	Database         string        `yaml:"database" default:"default"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	AssessmentsTable string        `yaml:"assessments_table" default:"risk_assessments"`
	ErrorsTable      string        `yaml:"errors_table" default:"error_records"`
}

type RedisConfig struct {
	Addr       string        `yaml:"addr" default:"localhost:6379"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Prefix     string        `yaml:"prefix" default:"marketpulse"`
	HistoryMax int64         `yaml:"history_max" default:"100"`
	LatestTTL  time.Duration `yaml:"latest_ttl" default:"1h"`
}

type APIConfig struct {
	RatePerMinute int `yaml:"rate_per_minute" default:"30" validate:"min=1"`
	Burst         int `yaml:"burst" default:"10" validate:"min=1"`
}

var providerDefaults = map[string]ProviderConfig{
	"fred":    {BaseURL: "https://api.stlouisfed.org/fred", RateLimit: 60, TTL: 5 * time.Minute},
	"nasdaq":  {BaseURL: "https://data.nasdaq.com/api/v3", RateLimit: 30, TTL: 5 * time.Minute},
	"finnhub": {BaseURL: "https://finnhub.io/api/v1", RateLimit: 30, TTL: time.Minute},
	"newsapi": {BaseURL: "https://newsapi.org/v2", RateLimit: 50, TTL: 5 * time.Minute},
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c, err := decode(b)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML, overrides secrets and endpoints with
// environment variables, then validates.
func LoadWithEnv(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := decode(b)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(os.LookupEnv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func decode(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	set("FRED_API_KEY", &c.Providers.FRED.APIKey)
	set("NASDAQ_API_KEY", &c.Providers.Nasdaq.APIKey)
	set("FINNHUB_API_KEY", &c.Providers.Finnhub.APIKey)
	set("FINNHUB_API_KEY", &c.Realtime.APIKey)
	set("NEWSAPI_KEY", &c.Providers.NewsAPI.APIKey)
	set("REDIS_ADDR", &c.Export.Redis.Addr)
	list("KAFKA_BROKERS", &c.Export.Kafka.Brokers)
	list("CLICKHOUSE_ADDRS", &c.Export.ClickHouse.Addrs)
	list("EXPORT_BACKENDS", &c.Export.Backends)
	list("SYMBOLS", &c.Realtime.Symbols)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyDefaults fills provider fields that differ per upstream. Tag defaults
// are applied before decoding so explicit false and zero values survive.
func (c *Config) applyDefaults() error {
	for name, p := range map[string]*ProviderConfig{
		"fred":    &c.Providers.FRED,
		"nasdaq":  &c.Providers.Nasdaq,
		"finnhub": &c.Providers.Finnhub,
		"newsapi": &c.Providers.NewsAPI,
	} {
		d := providerDefaults[name]
		if p.BaseURL == "" {
			p.BaseURL = d.BaseURL
		}
		if p.RateLimit == 0 {
			p.RateLimit = d.RateLimit
		}
		if p.TTL == 0 {
			p.TTL = d.TTL
		}
	}
	return nil
}

// HasBackend reports whether name is an enabled export backend.
func (c *Config) HasBackend(name string) bool {
	for _, b := range c.Export.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// RateLimits returns per-provider requests per minute.
func (c *Config) RateLimits() map[string]int {
	return map[string]int{
		"fred":    c.Providers.FRED.RateLimit,
		"nasdaq":  c.Providers.Nasdaq.RateLimit,
		"finnhub": c.Providers.Finnhub.RateLimit,
		"newsapi": c.Providers.NewsAPI.RateLimit,
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.HasBackend(BackendKafka) && len(c.Export.Kafka.Brokers) == 0 {
		return fmt.Errorf("export.kafka.brokers is required when kafka export is enabled")
	}
	if c.HasBackend(BackendClickHouse) && len(c.Export.ClickHouse.Addrs) == 0 {
		return fmt.Errorf("export.clickhouse.addrs is required when clickhouse export is enabled")
	}
	if c.Realtime.Enabled && len(c.Realtime.Symbols) == 0 {
		return fmt.Errorf("realtime.symbols cannot be empty when realtime is enabled")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.AttemptTimeout <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	return nil
}
