// Package config defines all configuration for the dealer-flow pipeline.
// Config is loaded from the environment (optionally seeded from a .env file)
// once at startup; services receive their sub-structs by value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration for every service in the pipeline.
type Config struct {
	Deribit    DeribitConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	HTTP       HTTPConfig
	Writer     WriterConfig
	Logging    LoggingConfig

	// Currency is the base currency whose option universe is tracked, e.g. "BTC".
	Currency string
}

// DeribitConfig holds the exchange endpoints, OAuth2 credentials, and the
// dynamic-subscription tuning for the collector.
//
// ClientID/ClientSecret may be empty; the collector then runs unauthenticated
// and the dynamic top-N subscription manager stays idle.
type DeribitConfig struct {
	WSURL        string
	RESTURL      string
	ClientID     string
	ClientSecret string

	// MaxAuthInstruments is the top-N target: how many option tickers, ranked
	// by open interest, the collector keeps subscribed at once.
	MaxAuthInstruments int

	// RefreshInterval is the floor on how often the subscription manager
	// re-ranks the working set even without a fresh book summary.
	RefreshInterval time.Duration
}

// RedisConfig points at the stream log.
type RedisConfig struct {
	URL string
}

// ClickHouseConfig holds the warehouse endpoint for the writer.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// HTTPConfig controls the snapshot API server.
type HTTPConfig struct {
	Addr string
}

// WriterConfig tunes the warehouse writer's batching.
type WriterConfig struct {
	BatchSize   int
	BatchMaxAge time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("DERIBIT_WS", "wss://www.deribit.com/ws/api/v2")
	v.SetDefault("DERIBIT_REST", "https://www.deribit.com/api/v2")
	v.SetDefault("DERIBIT_MAX_AUTH_INSTRUMENTS", 100)
	v.SetDefault("DYNAMIC_SUBSCRIPTION_REFRESH_INTERVAL_SECONDS", 30)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CLICKHOUSE_HOST", "localhost")
	v.SetDefault("CLICKHOUSE_PORT", 9000)
	v.SetDefault("CLICKHOUSE_DB_NAME", "default")
	v.SetDefault("CLICKHOUSE_USER", "default")
	v.SetDefault("CLICKHOUSE_PASSWORD", "")
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("WRITER_BATCH_SIZE", 100)
	v.SetDefault("WRITER_BATCH_MAX_AGE_SECONDS", 10)
	v.SetDefault("CURRENCY", "BTC")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	cfg := &Config{
		Deribit: DeribitConfig{
			WSURL:              v.GetString("DERIBIT_WS"),
			RESTURL:            v.GetString("DERIBIT_REST"),
			ClientID:           v.GetString("DERIBIT_ID"),
			ClientSecret:       v.GetString("DERIBIT_SECRET"),
			MaxAuthInstruments: v.GetInt("DERIBIT_MAX_AUTH_INSTRUMENTS"),
			RefreshInterval:    time.Duration(v.GetInt("DYNAMIC_SUBSCRIPTION_REFRESH_INTERVAL_SECONDS")) * time.Second,
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		ClickHouse: ClickHouseConfig{
			Host:     v.GetString("CLICKHOUSE_HOST"),
			Port:     v.GetInt("CLICKHOUSE_PORT"),
			Database: v.GetString("CLICKHOUSE_DB_NAME"),
			User:     v.GetString("CLICKHOUSE_USER"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("HTTP_ADDR"),
		},
		Writer: WriterConfig{
			BatchSize:   v.GetInt("WRITER_BATCH_SIZE"),
			BatchMaxAge: time.Duration(v.GetInt("WRITER_BATCH_MAX_AGE_SECONDS")) * time.Second,
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Currency: v.GetString("CURRENCY"),
	}

	return cfg, nil
}

// Authenticated reports whether OAuth2 credentials are configured.
func (c DeribitConfig) Authenticated() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Deribit.WSURL == "" {
		return fmt.Errorf("DERIBIT_WS is required")
	}
	if c.Deribit.RESTURL == "" {
		return fmt.Errorf("DERIBIT_REST is required")
	}
	if c.Deribit.MaxAuthInstruments <= 0 {
		return fmt.Errorf("DERIBIT_MAX_AUTH_INSTRUMENTS must be > 0")
	}
	if c.Deribit.RefreshInterval <= 0 {
		return fmt.Errorf("DYNAMIC_SUBSCRIPTION_REFRESH_INTERVAL_SECONDS must be > 0")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Currency == "" {
		return fmt.Errorf("CURRENCY is required")
	}
	if c.Writer.BatchSize <= 0 {
		return fmt.Errorf("WRITER_BATCH_SIZE must be > 0")
	}
	if c.Writer.BatchMaxAge <= 0 {
		return fmt.Errorf("WRITER_BATCH_MAX_AGE_SECONDS must be > 0")
	}
	return nil
}
