// Package config loads server settings from a YAML file, an optional .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/orangestock/market-engine/internal/auth"
	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/pricing"
	"github.com/orangestock/market-engine/internal/retry"
)

// Config holds every setting of the server.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Storage struct {
		DatabaseURL  string        `yaml:"database_url"`  // empty: in-memory store
		RedisURL     string        `yaml:"redis_url"`     // empty: no cache
		PriceLogPath string        `yaml:"price_log_path"` // empty: history lives in the main store
		CacheTTL     time.Duration `yaml:"cache_ttl"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"` // empty: stdout only
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AdminUsernames []string      `yaml:"admin_usernames"`
		BcryptCost     int           `yaml:"bcrypt_cost"`
	} `yaml:"auth"`

	Users struct {
		InitialPoints decimal.Decimal `yaml:"initial_points"`
	} `yaml:"users"`

	Market struct {
		InitialPrice        decimal.Decimal           `yaml:"initial_price"`
		Floor               decimal.Decimal           `yaml:"floor"`
		FluctuationInterval time.Duration             `yaml:"fluctuation_interval"` // 0 disables
		Impact              model.PriceImpactSettings `yaml:"impact"`
	} `yaml:"market"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"` // 0 disables
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	WebSocket struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"websocket"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Server.RequestTimeout = 30 * time.Second
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Server.AllowedOrigins = []string{"*"}

	c.Storage.CacheTTL = 5 * time.Minute

	c.Logging.Level = "info"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxBackups = 5
	c.Logging.MaxAgeDays = 28

	c.Auth.TokenTTL = 7 * 24 * time.Hour
	c.Auth.AdminUsernames = []string{"admin"}

	c.Users.InitialPoints = decimal.NewFromInt(10000)

	c.Market.InitialPrice = pricing.DefaultInitialPrice
	c.Market.Floor = pricing.DefaultFloor
	c.Market.FluctuationInterval = 5 * time.Second
	c.Market.Impact = pricing.DefaultSettings()

	c.RateLimit.RPS = 5
	c.RateLimit.Burst = 10

	c.WebSocket.QueueSize = 64
	return &c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func overrideWithEnv(c *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &c.Server.Port)
	setString("DATABASE_URL", &c.Storage.DatabaseURL)
	setString("REDIS_URL", &c.Storage.RedisURL)
	setString("PRICE_LOG_PATH", &c.Storage.PriceLogPath)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FILE", &c.Logging.File)

	if v := os.Getenv("ADMIN_USERNAMES"); v != "" {
		var names []string
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		c.Auth.AdminUsernames = names
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret (JWT_SECRET) must be at least 16 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl %s must be positive", c.Auth.TokenTTL)
	}
	if c.Users.InitialPoints.IsNegative() {
		return fmt.Errorf("users.initial_points %s must not be negative", c.Users.InitialPoints)
	}
	if !c.Market.Floor.IsPositive() {
		return fmt.Errorf("market.floor %s must be positive", c.Market.Floor)
	}
	if c.Market.InitialPrice.LessThan(c.Market.Floor) {
		return fmt.Errorf("market.initial_price %s is below the floor %s", c.Market.InitialPrice, c.Market.Floor)
	}
	if c.Market.FluctuationInterval < 0 {
		return fmt.Errorf("market.fluctuation_interval %s must not be negative", c.Market.FluctuationInterval)
	}
	if err := pricing.ValidateSettings(c.Market.Impact); err != nil {
		return fmt.Errorf("market.impact: %w", err)
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1) {
		return fmt.Errorf("rate_limit: rps %v burst %d", c.RateLimit.RPS, c.RateLimit.Burst)
	}
	if c.WebSocket.QueueSize < 1 {
		return fmt.Errorf("websocket.queue_size %d must be positive", c.WebSocket.QueueSize)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", c.Logging.Level, err)
	}
	return l, nil
}

// PricingConfig returns the price engine parameters.
func (c *Config) PricingConfig() pricing.Config {
	return pricing.Config{
		InitialPrice: c.Market.InitialPrice,
		Floor:        c.Market.Floor,
		Settings:     c.Market.Impact,
		HistoryRetry: retry.DefaultPolicy,
	}
}

// AuthConfig returns the auth service parameters.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Secret:         []byte(c.Auth.JWTSecret),
		TokenTTL:       c.Auth.TokenTTL,
		InitialPoints:  c.Users.InitialPoints,
		AdminUsernames: c.Auth.AdminUsernames,
		BcryptCost:     c.Auth.BcryptCost,
	}
}
