package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// AssetConfig overrides the detection defaults of one asset.
type AssetConfig struct {
	ThresholdPct float64 `yaml:"threshold_pct"`
	BufferSize   int     `yaml:"buffer_size"`
}

type Config struct {
	Environment string `yaml:"environment"`
	CronSecret  string `yaml:"cron_secret"`
	Server      struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"` // keep 0 for SSE
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SlowThreshold   time.Duration `yaml:"slow_threshold"`
		CORS            bool          `yaml:"cors"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Logging struct {
		Level            string        `yaml:"level"`
		Format           string        `yaml:"format"`
		Output           string        `yaml:"output"`
		CollectTopic     string        `yaml:"collect_topic"` // empty disables shipping error logs
		CollectInterval  time.Duration `yaml:"collect_interval"`
		CollectThreshold int           `yaml:"collect_threshold"`
	} `yaml:"logging"`
	Backend struct {
		Type       string `yaml:"type"`
		BufferSize int    `yaml:"buffer_size"`
		MaxRPS     int    `yaml:"max_rps"` // price broadcasts per second, 0 = unlimited
	} `yaml:"backend"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topics  struct {
			Ticks   string `yaml:"ticks"`
			Crashes string `yaml:"crashes"`
			Spikes  string `yaml:"spikes"`
		} `yaml:"topics"`
		RequiredAcks int    `yaml:"required_acks"`
		Compression  string `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Redis struct {
		Host      string        `yaml:"host"`
		Port      int           `yaml:"port"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		Prefix    string        `yaml:"prefix"`
		MemoryTTL time.Duration `yaml:"memory_ttl"` // in-process layer in front of redis
	} `yaml:"redis"`
	Binance struct {
		BaseURL        string        `yaml:"base_url"`
		Assets         []string      `yaml:"assets"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
	} `yaml:"binance"`
	CMC struct {
		BaseURL         string        `yaml:"base_url"`
		APIKey          string        `yaml:"api_key"`
		RateLimitCalls  int           `yaml:"rate_limit_calls"`
		RateLimitPeriod time.Duration `yaml:"rate_limit_period"`
		MaxRetries      int           `yaml:"max_retries"`
		BackoffBase     time.Duration `yaml:"backoff_base"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		QuoteSymbols    []string      `yaml:"quote_symbols"`
		ArchiveRaw      bool          `yaml:"archive_raw"`
	} `yaml:"cmc"`
	Monitor struct {
		Assets    map[string]AssetConfig `yaml:"assets"`
		MinPoints int                    `yaml:"min_points"`
		Cooldown  string                 `yaml:"cooldown"` // reset_baseline or until_new_peak
		Spike     struct {
			Enabled      bool          `yaml:"enabled"`
			Asset        string        `yaml:"asset"`
			Window       time.Duration `yaml:"window"`
			ThresholdUSD float64       `yaml:"threshold_usd"`
		} `yaml:"spike"`
	} `yaml:"monitor"`
	Broadcast struct {
		History           map[string]int `yaml:"history"`
		Queue             map[string]int `yaml:"queue"`
		HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	} `yaml:"broadcast"`
	Refresh struct {
		Interval     time.Duration `yaml:"interval"`
		LockTTL      time.Duration `yaml:"lock_ttl"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
		HistoryTTL   time.Duration `yaml:"history_ttl"`
		Workers      int           `yaml:"workers"`
		MaxRetries   int           `yaml:"max_retries"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
		APIBurst     float64       `yaml:"api_burst"`      // manual refreshes per client
		APIPerSecond float64       `yaml:"api_per_second"` // refill rate
	} `yaml:"refresh"`
}

// env holds the variables that may override the file. Zero values are ignored.
type env struct {
	Environment     string        `envconfig:"FINPULSE_ENV"`
	Port            int           `envconfig:"FINPULSE_PORT"`
	LogLevel        string        `envconfig:"FINPULSE_LOG_LEVEL"`
	Backend         string        `envconfig:"BACKEND"`
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string        `envconfig:"KAFKA_TOPIC"`
	ClickHouseHost  string        `envconfig:"CLICKHOUSE_HOST"`
	ClickHousePass  string        `envconfig:"CLICKHOUSE_PASSWORD"`
	RedisHost       string        `envconfig:"REDIS_HOST"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	BinanceURL      string        `envconfig:"BINANCE_WS_URL"`
	Assets          []string      `envconfig:"ASSETS"`
	CMCAPIKey       string        `envconfig:"CMC_API_KEY"`
	CronSecret      string        `envconfig:"CRON_SECRET"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML, applies .env and environment overrides,
// then validates the result.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("read env: %w", err)
	}

	setString(&c.Environment, e.Environment)
	setString(&c.Logging.Level, e.LogLevel)
	setString(&c.Backend.Type, e.Backend)
	setString(&c.Kafka.Topics.Ticks, e.KafkaTopic)
	setString(&c.ClickHouse.Host, e.ClickHouseHost)
	setString(&c.ClickHouse.Password, e.ClickHousePass)
	setString(&c.Redis.Host, e.RedisHost)
	setString(&c.Redis.Password, e.RedisPassword)
	setString(&c.Binance.BaseURL, e.BinanceURL)
	setString(&c.CMC.APIKey, e.CMCAPIKey)
	setString(&c.CronSecret, e.CronSecret)
	if e.Port > 0 {
		c.Server.Port = e.Port
	}
	if len(e.KafkaBrokers) > 0 {
		c.Kafka.Brokers = e.KafkaBrokers
	}
	if len(e.Assets) > 0 {
		c.Binance.Assets = e.Assets
	}
	if len(e.CORSOrigins) > 0 {
		c.Server.CORSOrigins = e.CORSOrigins
	}
	if e.RefreshInterval > 0 {
		c.Refresh.Interval = e.RefreshInterval
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Default returns the configuration used when the file omits a value.
func Default() *Config {
	c := &Config{Environment: "development"}

	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8000
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Server.SlowThreshold = time.Second
	c.Server.CORS = true
	c.Server.CORSOrigins = []string{"*"}
	c.Metrics.Enabled = true

	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.Logging.Output = "stdout"
	c.Logging.CollectInterval = 30 * time.Second
	c.Logging.CollectThreshold = 100

	c.Backend.Type = "kafka"
	c.Backend.BufferSize = 2000

	c.Kafka.Brokers = []string{"localhost:9092"}
	c.Kafka.Topics.Ticks = "finpulse.ticks"
	c.Kafka.Topics.Crashes = "finpulse.crashes"
	c.Kafka.Topics.Spikes = "finpulse.spikes"
	c.Kafka.RequiredAcks = 1
	c.Kafka.Compression = "snappy"
	c.Kafka.Consumer.GroupID = "finpulse-writer"
	c.Kafka.Consumer.Workers = 4

	c.ClickHouse.Host = "localhost"
	c.ClickHouse.Port = 9000
	c.ClickHouse.Database = "finpulse"
	c.ClickHouse.User = "default"

	c.Redis.Host = "localhost"
	c.Redis.Port = 6379
	c.Redis.PoolSize = 10
	c.Redis.Prefix = "finpulse"
	c.Redis.MemoryTTL = 30 * time.Second

	c.Binance.BaseURL = "wss://stream.binance.com:9443"
	c.Binance.Assets = []string{"BTC", "ETH", "SOL"}
	c.Binance.ReconnectDelay = 5 * time.Second
	c.Binance.PingInterval = 30 * time.Second

	c.CMC.BaseURL = "https://pro-api.coinmarketcap.com"
	c.CMC.RateLimitCalls = 30
	c.CMC.RateLimitPeriod = 60 * time.Second
	c.CMC.MaxRetries = 3
	c.CMC.BackoffBase = 2 * time.Second
	c.CMC.RequestTimeout = 30 * time.Second
	c.CMC.QuoteSymbols = []string{"BTC", "ETH", "SOL"}

	c.Monitor.MinPoints = 2
	c.Monitor.Cooldown = "reset_baseline"
	c.Monitor.Spike.Enabled = true
	c.Monitor.Spike.Asset = "BTC"
	c.Monitor.Spike.Window = 10 * time.Minute
	c.Monitor.Spike.ThresholdUSD = 500

	c.Broadcast.HeartbeatInterval = time.Second

	c.Refresh.Interval = 15 * time.Minute
	c.Refresh.LockTTL = 5 * time.Minute
	c.Refresh.CacheTTL = 10 * time.Minute
	c.Refresh.HistoryTTL = 5 * time.Minute
	c.Refresh.Workers = 1
	c.Refresh.MaxRetries = 2
	c.Refresh.RetryDelay = 30 * time.Second
	c.Refresh.APIBurst = 3
	c.Refresh.APIPerSecond = 0.1
	return c
}

var knownAssets = map[string]bool{"BTC": true, "ETH": true, "SOL": true}

var knownClasses = map[string]bool{"price": true, "volatility": true, "crash": true}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Backend.Type != "kafka" && c.Backend.Type != "clickhouse" {
		return fmt.Errorf("backend.type must be 'kafka' or 'clickhouse', got '%s'", c.Backend.Type)
	}
	if c.Backend.Type == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty with the kafka backend")
	}
	if len(c.Binance.Assets) == 0 {
		return fmt.Errorf("binance.assets cannot be empty")
	}
	for _, a := range c.Binance.Assets {
		if !knownAssets[a] {
			return fmt.Errorf("binance.assets: unknown asset %q", a)
		}
	}
	for a, ac := range c.Monitor.Assets {
		if !knownAssets[a] {
			return fmt.Errorf("monitor.assets: unknown asset %q", a)
		}
		if ac.ThresholdPct < 0 || ac.BufferSize < 0 {
			return fmt.Errorf("monitor.assets.%s: values must not be negative", a)
		}
		// a window smaller than min_points can never be evaluated
		if floor := max(2, c.Monitor.MinPoints); ac.BufferSize != 0 && ac.BufferSize < floor {
			return fmt.Errorf("monitor.assets.%s: buffer_size must be 0 (default) or at least %d, got %d", a, floor, ac.BufferSize)
		}
	}
	if c.Monitor.Cooldown != "reset_baseline" && c.Monitor.Cooldown != "until_new_peak" {
		return fmt.Errorf("monitor.cooldown must be 'reset_baseline' or 'until_new_peak', got '%s'", c.Monitor.Cooldown)
	}
	if c.Monitor.Spike.Enabled && !knownAssets[c.Monitor.Spike.Asset] {
		return fmt.Errorf("monitor.spike.asset: unknown asset %q", c.Monitor.Spike.Asset)
	}
	for _, m := range []map[string]int{c.Broadcast.History, c.Broadcast.Queue} {
		for k, v := range m {
			if !knownClasses[k] {
				return fmt.Errorf("broadcast: unknown event class %q", k)
			}
			if v <= 0 {
				return fmt.Errorf("broadcast: size for %q must be positive", k)
			}
		}
	}
	if c.CMC.RateLimitCalls <= 0 || c.CMC.RateLimitPeriod <= 0 {
		return fmt.Errorf("cmc.rate_limit_calls and cmc.rate_limit_period must be positive")
	}
	if c.CMC.APIKey == "" {
		return fmt.Errorf("cmc.api_key is required (or set CMC_API_KEY)")
	}
	return nil
}
