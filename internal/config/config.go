package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"footprint/internal/domain/aggregator"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config keeps the runtime configuration for the service.
type Config struct {
	Env       string          `env:"APP_ENV" envDefault:"development"`
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	Postgres  PostgresConfig  `envPrefix:"DATABASE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Cache     CacheConfig     `envPrefix:"CACHE_"`
	RabbitMQ  RabbitMQConfig  `envPrefix:"RABBITMQ_"`
	Footprint FootprintConfig `envPrefix:"FOOTPRINT_"`
	Live      LiveConfig      `envPrefix:"LIVE_"`
	Feed      FeedConfig      `envPrefix:"FEED_"`
	Invest    InvestConfig    `envPrefix:"INVEST_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

// HTTPConfig holds HTTP server related settings.
type HTTPConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// PostgresConfig stores database connection parameters. An empty DSN
// disables the trade log.
type PostgresConfig struct {
	DSN string `env:"DSN"`
}

// RedisConfig stores Redis connection parameters. An empty Addr disables
// snapshot export and the GET cache.
type RedisConfig struct {
	Addr      string        `env:"ADDR" envDefault:"localhost:6379"`
	Password  string        `env:"PASSWORD"`
	DB        int           `env:"DB" envDefault:"0"`
	KeyPrefix string        `env:"KEY_PREFIX" envDefault:"footprint"`
	TTL       time.Duration `env:"SNAPSHOT_TTL" envDefault:"5m"`
}

// CacheConfig stores cache behavior.
type CacheConfig struct {
	TTL time.Duration `env:"TTL" envDefault:"30s"`
}

// RabbitMQConfig describes the trades fanout exchange.
type RabbitMQConfig struct {
	URL            string        `env:"URL"`
	TradesExchange string        `env:"TRADES_EXCHANGE" envDefault:"marketdata.trades"`
	Prefetch       int           `env:"PREFETCH" envDefault:"256"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"500"`
	BatchTimeout   time.Duration `env:"BATCH_TIMEOUT" envDefault:"2s"`
}

// FootprintConfig controls bucketing. PriceBucketWidth is a decimal string,
// DedupeWindow a duration or "unbounded".
type FootprintConfig struct {
	TimeBucketWidth  time.Duration `env:"TIME_BUCKET_WIDTH" envDefault:"5m"`
	PriceBucketWidth string        `env:"PRICE_BUCKET_WIDTH" envDefault:"50"`
	DedupeWindow     string        `env:"DEDUPE_WINDOW" envDefault:"1h"`
	LookbackWindow   time.Duration `env:"LOOKBACK_WINDOW" envDefault:"12h"`
	Symbols          []string      `env:"SYMBOLS" envSeparator:"," envDefault:"BTCUSDT"`
}

// Aggregator converts the section into an aggregator configuration.
func (f FootprintConfig) Aggregator() (aggregator.Config, error) {
	width, err := decimal.NewFromString(strings.TrimSpace(f.PriceBucketWidth))
	if err != nil {
		return aggregator.Config{}, &aggregator.ConfigError{Field: "price bucket width", Reason: fmt.Sprintf("parse %q: %v", f.PriceBucketWidth, err)}
	}
	window, err := ParseDedupeWindow(f.DedupeWindow)
	if err != nil {
		return aggregator.Config{}, err
	}
	cfg := aggregator.Config{
		TimeBucketWidth:  f.TimeBucketWidth,
		PriceBucketWidth: width,
		DedupeWindow:     window,
	}
	if err := cfg.Validate(); err != nil {
		return aggregator.Config{}, err
	}
	return cfg, nil
}

// ParseDedupeWindow accepts a Go duration or "unbounded".
func ParseDedupeWindow(value string) (time.Duration, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || value == "unbounded" {
		return aggregator.Unbounded, nil
	}
	window, err := time.ParseDuration(value)
	if err != nil {
		return 0, &aggregator.ConfigError{Field: "dedupe window", Reason: fmt.Sprintf("parse %q: %v", value, err)}
	}
	if window <= 0 {
		return 0, &aggregator.ConfigError{Field: "dedupe window", Reason: "must be positive or unbounded"}
	}
	return window, nil
}

// LiveConfig controls the live ingestion loop.
type LiveConfig struct {
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"10s"`
	PersistTrades   bool          `env:"PERSIST_TRADES" envDefault:"false"`
	MinBackoff      time.Duration `env:"MIN_BACKOFF" envDefault:"500ms"`
	MaxBackoff      time.Duration `env:"MAX_BACKOFF" envDefault:"5s"`
}

// FeedConfig selects the upstream trade feed of the producer.
type FeedConfig struct {
	Kind          string   `env:"KIND" envDefault:"bybit"`
	BybitURL      string   `env:"BYBIT_URL" envDefault:"wss://stream.bybit.com/v5/public"`
	BybitCategory string   `env:"BYBIT_CATEGORY" envDefault:"linear"`
	Symbols       []string `env:"SYMBOLS" envSeparator:"," envDefault:"BTCUSDT"`
}

// InvestConfig stores T-Invest API credentials and the instruments to relay,
// given as "uid[=SYMBOL]" entries.
type InvestConfig struct {
	Token         string   `env:"TOKEN"`
	Endpoint      string   `env:"ENDPOINT" envDefault:"sandbox-invest-public-api.tinkoff.ru:443"`
	AppName       string   `env:"APP_NAME" envDefault:"footprint"`
	SkipTLSVerify bool     `env:"SKIP_TLS_VERIFY" envDefault:"false"`
	Instruments   []string `env:"INSTRUMENTS" envSeparator:","`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

// Logger builds a JSON logrus logger at the configured level.
func (l LogConfig) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Load builds Config from environment variables, reading .env first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Footprint.Symbols = normalizeSymbols(cfg.Footprint.Symbols)
	cfg.Feed.Symbols = normalizeSymbols(cfg.Feed.Symbols)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	}
	if _, err := c.Footprint.Aggregator(); err != nil {
		return err
	}
	if c.Footprint.LookbackWindow <= 0 {
		return &aggregator.ConfigError{Field: "lookback window", Reason: "must be positive"}
	}
	if c.Live.RefreshInterval <= 0 {
		return &aggregator.ConfigError{Field: "refresh interval", Reason: "must be positive"}
	}
	if c.Live.MinBackoff <= 0 || c.Live.MaxBackoff < c.Live.MinBackoff {
		return errors.New("backoff bounds must be positive and ordered")
	}
	switch c.Feed.Kind {
	case "bybit":
	case "tinvest":
		if len(c.Invest.Instruments) == 0 {
			return errors.New("INVEST_INSTRUMENTS is required for the tinvest feed")
		}
	default:
		return fmt.Errorf("unsupported FEED_KIND %q", c.Feed.Kind)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.Log.Level)
	}
	return nil
}

func normalizeSymbols(symbols []string) []string {
	out := symbols[:0]
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
