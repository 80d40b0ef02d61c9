// Package config defines the engine's configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by POOLMARKET_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Pricing    PricingConfig    `toml:"pricing"`
	Settlement SettlementConfig `toml:"settlement"`
	Limits     LimitsConfig     `toml:"limits"`
	Access     AccessConfig     `toml:"access"`
	LogLevel   string           `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the read-through cache connection. An empty URL
// disables caching.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// PricingConfig holds the purchase-side economics.
type PricingConfig struct {
	FixedPayout   float64 `toml:"fixed_payout"`
	SeedLiquidity float64 `toml:"seed_liquidity"`
}

// SettlementConfig holds the resolution economics and batching.
type SettlementConfig struct {
	CommissionRate   float64 `toml:"commission_rate"`
	CreatorShareRate float64 `toml:"creator_share_rate"`
	BatchSize        int     `toml:"batch_size"`
	ResidualPolicy   string  `toml:"residual_policy"`
	PlatformAccount  string  `toml:"platform_account"`
}

// LimitsConfig caps a user's active stake per category and across
// correlated categories. Zero disables a cap.
type LimitsConfig struct {
	MaxPerCategory   float64 `toml:"max_per_category"`
	MaxCorrelated    float64 `toml:"max_correlated"`
	CorrelationDepth int     `toml:"correlation_depth"`
}

// AccessConfig lists the operators allowed to resolve any market.
type AccessConfig struct {
	AdminIDs []string `toml:"admin_ids"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config usable for local development: in-memory store,
// no cache, 5% commission split evenly with creators.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Pricing: PricingConfig{
			FixedPayout:   20,
			SeedLiquidity: 500,
		},
		Settlement: SettlementConfig{
			CommissionRate:   0.05,
			CreatorShareRate: 0.50,
			BatchSize:        500,
			ResidualPolicy:   "retain",
			PlatformAccount:  "platform",
		},
		Limits: LimitsConfig{
			CorrelationDepth: 1,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validResidualPolicies = map[string]bool{"retain": true, "refund": true}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.Pricing.FixedPayout <= 0 {
		errs = append(errs, "pricing: fixed_payout must be positive")
	}
	if c.Pricing.SeedLiquidity < 0 {
		errs = append(errs, "pricing: seed_liquidity must not be negative")
	}

	s := c.Settlement
	if s.CommissionRate < 0 || s.CommissionRate > 1 {
		errs = append(errs, fmt.Sprintf("settlement: commission_rate must be in [0,1], got %v", s.CommissionRate))
	}
	if s.CreatorShareRate < 0 || s.CreatorShareRate > 1 {
		errs = append(errs, fmt.Sprintf("settlement: creator_share_rate must be in [0,1], got %v", s.CreatorShareRate))
	}
	if s.BatchSize < 0 {
		errs = append(errs, "settlement: batch_size must not be negative")
	}
	if !validResidualPolicies[strings.ToLower(strings.TrimSpace(s.ResidualPolicy))] {
		errs = append(errs, fmt.Sprintf("settlement: unknown residual_policy %q (valid: retain, refund)", s.ResidualPolicy))
	}
	if strings.TrimSpace(s.PlatformAccount) == "" {
		errs = append(errs, "settlement: platform_account must not be empty")
	}

	if c.Limits.MaxPerCategory < 0 || c.Limits.MaxCorrelated < 0 {
		errs = append(errs, "limits: caps must not be negative")
	}
	if c.Limits.CorrelationDepth < 1 {
		errs = append(errs, "limits: correlation_depth must be >= 1")
	}

	for _, id := range c.Access.AdminIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "access: admin_ids must not contain empty ids")
			break
		}
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
