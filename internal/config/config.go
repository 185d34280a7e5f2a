// Package config loads engine configuration from file and environment with
// coded defaults for every knob.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Market  MarketConfig  `mapstructure:"market"`
	Margin  MarginConfig  `mapstructure:"margin"`
	Orders  OrdersConfig  `mapstructure:"orders"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MarketConfig struct {
	ImpactCoefficient float64 `mapstructure:"impact_coefficient"`
	SpreadRatio       float64 `mapstructure:"spread_ratio"`
	MinPrice          float64 `mapstructure:"min_price"`
	MaxDepth          int     `mapstructure:"max_depth"`
	// SeedFile is an optional JSON file with the instrument universe to
	// load at startup.
	SeedFile string `mapstructure:"seed_file"`
}

type MarginConfig struct {
	RequirementRatio     float64      `mapstructure:"requirement_ratio"`
	LiquidationThreshold float64      `mapstructure:"liquidation_threshold"`
	Tiers                []MarginTier `mapstructure:"tiers"`
}

type MarginTier struct {
	MinPeak  float64 `mapstructure:"min_peak"`
	Capacity float64 `mapstructure:"capacity"`
}

type OrdersConfig struct {
	TTL                   time.Duration `mapstructure:"ttl"`
	LimitPriceMultiple    float64       `mapstructure:"limit_price_multiple"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	MaxChainedEvaluations int           `mapstructure:"max_chained_evaluations"`
}

type StoreConfig struct {
	// Driver selects the backend: memory, sqlite or postgres.
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads marketsim.yaml from the working directory or /etc/marketsim,
// overlays MARKETSIM_* environment variables and returns the result.
// A missing config file is not an error; defaults cover every field.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("marketsim")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/marketsim")

	v.SetEnvPrefix("MARKETSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Market.ImpactCoefficient <= 0 {
		return fmt.Errorf("impact coefficient must be positive, got %v", c.Market.ImpactCoefficient)
	}
	if c.Market.SpreadRatio < 0 {
		return fmt.Errorf("spread ratio must not be negative, got %v", c.Market.SpreadRatio)
	}
	if c.Market.MaxDepth < 0 {
		return fmt.Errorf("max contagion depth must not be negative, got %v", c.Market.MaxDepth)
	}
	if c.Margin.RequirementRatio <= 0 {
		return fmt.Errorf("margin requirement ratio must be positive, got %v", c.Margin.RequirementRatio)
	}
	if c.Margin.LiquidationThreshold <= 0 || c.Margin.LiquidationThreshold >= 1 {
		return fmt.Errorf("liquidation threshold must be in (0, 1), got %v", c.Margin.LiquidationThreshold)
	}
	if c.Orders.TTL <= 0 {
		return fmt.Errorf("order ttl must be positive, got %v", c.Orders.TTL)
	}
	if c.Orders.LimitPriceMultiple <= 1 {
		return fmt.Errorf("limit price multiple must exceed 1, got %v", c.Orders.LimitPriceMultiple)
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store driver %q requires a dsn", c.Store.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("market.impact_coefficient", 0.1)
	v.SetDefault("market.spread_ratio", 0.02)
	v.SetDefault("market.min_price", 0.01)
	v.SetDefault("market.max_depth", 3)
	v.SetDefault("market.seed_file", "")

	v.SetDefault("margin.requirement_ratio", 0.5)
	v.SetDefault("margin.liquidation_threshold", 0.25)

	v.SetDefault("orders.ttl", 24*time.Hour)
	v.SetDefault("orders.limit_price_multiple", 10.0)
	v.SetDefault("orders.sweep_interval", time.Minute)
	v.SetDefault("orders.max_chained_evaluations", 64)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_backoff", 25*time.Millisecond)

	v.SetDefault("logging.level", "info")
}
