package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"marketfeed/internal/symbols"
	"marketfeed/models"
)

type Config struct {
	Marketfeed MarketfeedConfig `yaml:"marketfeed"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Symbols    []string         `yaml:"symbols"`
	Timeframes []string         `yaml:"timeframes"`
	Limits     LimitsConfig     `yaml:"limits"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Status     StatusConfig     `yaml:"status"`
	Redis      RedisConfig      `yaml:"redis"`
}

type MarketfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	Name           string               `yaml:"name"`
	RestURL        string               `yaml:"rest_url"`
	WSURL          string               `yaml:"ws_url"`
	Category       string               `yaml:"category"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	WS             WSConfig             `yaml:"ws"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReadBuffer     int           `yaml:"read_buffer"`
}

type LimitsConfig struct {
	OHLCV     int `yaml:"ohlcv"`
	Orderbook int `yaml:"orderbook"`
	Trades    int `yaml:"trades"`
}

// PipelineConfig holds the tunables of the fetch/validate/cache pipeline. Each field can be
// overridden with MARKETFEED_<NAME>, e.g. MARKETFEED_RETRY_MAX_ATTEMPTS=5.
type PipelineConfig struct {
	MaxRequestsPerSecond     float64 `yaml:"max_requests_per_second" envconfig:"max_requests_per_second"`
	RetryMaxAttempts         int     `yaml:"retry_max_attempts" envconfig:"retry_max_attempts"`
	RetryDelaySeconds        float64 `yaml:"retry_delay_seconds" envconfig:"retry_delay_seconds"`
	RetryExponentialBackoff  bool    `yaml:"retry_exponential_backoff" envconfig:"retry_exponential_backoff"`
	CacheTTLSeconds          float64 `yaml:"cache_ttl_seconds" envconfig:"cache_ttl_seconds"`
	HeartbeatIntervalSeconds float64 `yaml:"heartbeat_interval_seconds" envconfig:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  float64 `yaml:"heartbeat_timeout_seconds" envconfig:"heartbeat_timeout_seconds"`
	MinOHLCVCandles          int     `yaml:"min_ohlcv_candles" envconfig:"min_ohlcv_candles"`
	MaxOHLCVAgeSeconds       float64 `yaml:"max_ohlcv_age_seconds" envconfig:"max_ohlcv_age_seconds"`
	MinOrderbookLevels       int     `yaml:"min_orderbook_levels" envconfig:"min_orderbook_levels"`
	MaxOrderbookAgeSeconds   float64 `yaml:"max_orderbook_age_seconds" envconfig:"max_orderbook_age_seconds"`
	MinTradesCount           int     `yaml:"min_trades_count" envconfig:"min_trades_count"`
	MaxTradesAgeSeconds      float64 `yaml:"max_trades_age_seconds" envconfig:"max_trades_age_seconds"`
	MonitorIntervalSeconds   float64 `yaml:"monitor_interval_seconds" envconfig:"monitor_interval_seconds"`
}

type MonitorConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	CriticalAfter   int           `yaml:"critical_after"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type StatusConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Seconds converts a fractional seconds option to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Default returns the configuration used for any key the YAML file leaves out.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:     "bybit",
			Category: "linear",
			Timeout:  10 * time.Second,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    16,
				MaxConnsPerHost: 8,
				IdleConnTimeout: 90 * time.Second,
			},
			WS: WSConfig{
				Enabled:        true,
				PingInterval:   20 * time.Second,
				ReconnectDelay: 5 * time.Second,
				ReadBuffer:     1 << 16,
			},
		},
		Timeframes: []string{"1m", "5m", "1h"},
		Limits:     LimitsConfig{OHLCV: 200, Orderbook: 50, Trades: 100},
		Pipeline: PipelineConfig{
			MaxRequestsPerSecond:     10,
			RetryMaxAttempts:         3,
			RetryDelaySeconds:        1,
			RetryExponentialBackoff:  true,
			CacheTTLSeconds:          30,
			HeartbeatIntervalSeconds: 10,
			HeartbeatTimeoutSeconds:  30,
			MinOHLCVCandles:          20,
			MaxOHLCVAgeSeconds:       300,
			MinOrderbookLevels:       5,
			MaxOrderbookAgeSeconds:   60,
			MinTradesCount:           5,
			MaxTradesAgeSeconds:      300,
			MonitorIntervalSeconds:   60,
		},
		Monitor: MonitorConfig{
			Concurrency:     4,
			ErrorBackoff:    5 * time.Second,
			CriticalAfter:   3,
			ShutdownTimeout: 10 * time.Second,
		},
		Channels: ChannelsConfig{RawBuffer: 1024},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "MarketFeed", Dashboard: "MarketFeed"}},
		Status:  StatusConfig{Address: ":8080", LogHistory: 200, MetricsHistory: 500},
		Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "marketfeed"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("marketfeed", &config.Pipeline); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	// Redis credentials are kept out of the YAML file.
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}

	config.Exchange.Name = strings.ToLower(strings.TrimSpace(config.Exchange.Name))
	config.Symbols = canonicalSymbols(config.Exchange.Name, config.Symbols)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// canonicalSymbols maps configured symbols to canonical form and drops duplicates.
func canonicalSymbols(exchange string, in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		c := symbols.ToCanonical(exchange, s)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Marketfeed.Name == "" {
		return fmt.Errorf("marketfeed.name is required")
	}

	if cfg.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}

	for _, tf := range cfg.Timeframes {
		if _, ok := models.TimeframeDuration(tf); !ok {
			return fmt.Errorf("timeframe '%s' is not recognised", tf)
		}
	}

	p := cfg.Pipeline
	if p.RetryMaxAttempts < 0 {
		return fmt.Errorf("pipeline.retry_max_attempts must not be negative")
	}
	if p.RetryDelaySeconds < 0 {
		return fmt.Errorf("pipeline.retry_delay_seconds must not be negative")
	}
	if p.CacheTTLSeconds <= 0 {
		return fmt.Errorf("pipeline.cache_ttl_seconds must be greater than 0")
	}
	if p.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("pipeline.monitor_interval_seconds must be greater than 0")
	}
	if cfg.Exchange.WS.Enabled {
		if p.HeartbeatIntervalSeconds <= 0 {
			return fmt.Errorf("pipeline.heartbeat_interval_seconds must be greater than 0")
		}
		if p.HeartbeatTimeoutSeconds <= 0 {
			return fmt.Errorf("pipeline.heartbeat_timeout_seconds must be greater than 0")
		}
	}
	if p.MinOHLCVCandles < 1 || p.MinOrderbookLevels < 1 || p.MinTradesCount < 1 {
		return fmt.Errorf("pipeline minimum counts must be at least 1")
	}
	if p.MaxOHLCVAgeSeconds <= 0 || p.MaxOrderbookAgeSeconds <= 0 || p.MaxTradesAgeSeconds <= 0 {
		return fmt.Errorf("pipeline maximum ages must be greater than 0")
	}

	if cfg.Limits.OHLCV < p.MinOHLCVCandles {
		return fmt.Errorf("limits.ohlcv (%d) is below pipeline.min_ohlcv_candles (%d)", cfg.Limits.OHLCV, p.MinOHLCVCandles)
	}
	if cfg.Limits.Orderbook < p.MinOrderbookLevels {
		return fmt.Errorf("limits.orderbook (%d) is below pipeline.min_orderbook_levels (%d)", cfg.Limits.Orderbook, p.MinOrderbookLevels)
	}
	if cfg.Limits.Trades < p.MinTradesCount {
		return fmt.Errorf("limits.trades (%d) is below pipeline.min_trades_count (%d)", cfg.Limits.Trades, p.MinTradesCount)
	}

	if cfg.Monitor.Concurrency <= 0 {
		return fmt.Errorf("monitor.concurrency must be greater than 0")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if cfg.Status.Enabled && cfg.Status.Address == "" {
		return fmt.Errorf("status.address is required when the status server is enabled")
	}

	return nil
}
