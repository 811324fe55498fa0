package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"arbiflow/models"
)

type Config struct {
	Arbiflow  AppConfig        `yaml:"arbiflow"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Source    SourceConfig     `yaml:"source"`
	Trading   TradingConfig    `yaml:"trading"`
	Journal   JournalConfig    `yaml:"journal"`
	Symbols   []models.Symbol  `yaml:"symbols"`
	Triangles []models.Triangle `yaml:"triangles"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
	Dashboard  string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	UpdateBuffer int `yaml:"update_buffer"`
}

type SourceConfig struct {
	Huobi   HuobiSourceConfig   `yaml:"huobi"`
	Binance BinanceSourceConfig `yaml:"binance"`
	Kucoin  KucoinSourceConfig  `yaml:"kucoin"`
}

type HuobiSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	DepthStep      string        `yaml:"depth_step"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type BinanceSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	SnapshotDepth  int           `yaml:"snapshot_depth"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type KucoinSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type TradingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	AccountID    string        `yaml:"account_id"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	Capital      float64       `yaml:"capital"`
	FeeRate      float64       `yaml:"fee_rate"`
	Threshold    float64       `yaml:"threshold"`
	BuySlippage  float64       `yaml:"buy_slippage"`
	SellSlippage float64       `yaml:"sell_slippage"`
	DepthIndex   int           `yaml:"depth_index"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Leg1Timeout  time.Duration `yaml:"leg1_timeout"`
	Leg2Timeout  time.Duration `yaml:"leg2_timeout"`
	Leg3Timeout  time.Duration `yaml:"leg3_timeout"`
	Retry        RetryConfig   `yaml:"retry"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffer       int           `yaml:"max_buffer"`
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references in the raw configuration with the
// corresponding environment variable values. Unset variables expand to the
// empty string.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, expands and validates the yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(raw), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Channels.UpdateBuffer <= 0 {
		c.Channels.UpdateBuffer = 1024
	}
	if c.Trading.PollInterval <= 0 {
		c.Trading.PollInterval = 200 * time.Millisecond
	}
	if c.Trading.Leg1Timeout <= 0 {
		c.Trading.Leg1Timeout = 5 * time.Second
	}
	if c.Trading.Leg2Timeout <= 0 {
		c.Trading.Leg2Timeout = 10 * time.Second
	}
	if c.Trading.Leg3Timeout <= 0 {
		c.Trading.Leg3Timeout = 30 * time.Second
	}
	if c.Trading.BuySlippage <= 0 {
		c.Trading.BuySlippage = 1.0
	}
	if c.Trading.SellSlippage <= 0 {
		c.Trading.SellSlippage = 1.0
	}
	if c.Trading.Retry.MaxAttempts <= 0 {
		c.Trading.Retry.MaxAttempts = 3
	}
	if c.Trading.Retry.BaseDelay <= 0 {
		c.Trading.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Trading.Retry.MaxDelay <= 0 {
		c.Trading.Retry.MaxDelay = 2 * time.Second
	}
	if c.Trading.Retry.BackoffMultiplier <= 0 {
		c.Trading.Retry.BackoffMultiplier = 2
	}
	if c.Trading.RateLimit.RequestsPerSecond <= 0 {
		c.Trading.RateLimit.RequestsPerSecond = 10
	}
	if c.Trading.RateLimit.BurstSize <= 0 {
		c.Trading.RateLimit.BurstSize = 1
	}
	if c.Journal.FlushInterval <= 0 {
		c.Journal.FlushInterval = time.Minute
	}
	if c.Journal.MaxBuffer <= 0 {
		c.Journal.MaxBuffer = 256
	}
	for i := range c.Triangles {
		if c.Triangles[i].RateFactor == 0 {
			c.Triangles[i].RateFactor = 1
		}
	}
}

// Validate checks cross-field consistency. Triangles must reference declared
// symbols and trading constants must be sane before anything starts.
func (c *Config) Validate() error {
	if c.Arbiflow.Name == "" {
		return fmt.Errorf("arbiflow.name is required")
	}

	table := c.SymbolTable()
	for _, s := range c.Symbols {
		if s.PricePrecision < 0 || s.QuantityPrecision < 0 {
			return fmt.Errorf("symbol %s: negative precision", s.Name)
		}
	}

	for _, t := range c.Triangles {
		for _, sym := range t.Symbols() {
			if _, ok := table.Get(sym); !ok {
				return fmt.Errorf("triangle %s references unknown symbol %s", t.Name, sym)
			}
		}
	}

	if c.Trading.Enabled {
		if c.Trading.Capital <= 0 {
			return fmt.Errorf("trading.capital must be positive")
		}
		if c.Trading.Threshold <= 1 {
			return fmt.Errorf("trading.threshold must be strictly greater than 1")
		}
		if c.Trading.FeeRate < 0 || c.Trading.FeeRate >= 1 {
			return fmt.Errorf("trading.fee_rate must be in [0,1)")
		}
	}

	return nil
}

// SymbolTable builds the immutable symbol lookup shared by all components.
func (c *Config) SymbolTable() models.SymbolTable {
	table := make(models.SymbolTable, len(c.Symbols))
	for _, s := range c.Symbols {
		table[s.Name] = s
	}
	return table
}
