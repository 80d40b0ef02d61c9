package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file at path over Defaults, loads a .env
// file if present, then applies environment overrides. The result is not
// validated; callers run Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads POOLMARKET_* variables, plus the bare PORT,
// DATABASE_URL and REDIS_URL that hosting platforms inject.
func applyEnvOverrides(cfg *Config) {
	// Platform-injected, lowest precedence among env vars.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "POOLMARKET_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "POOLMARKET_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "POOLMARKET_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "POOLMARKET_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "POOLMARKET_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "POOLMARKET_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "POOLMARKET_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "POOLMARKET_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "POOLMARKET_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "POOLMARKET_REDIS_CACHE_TTL")

	// ── Pricing ──
	setFloat64(&cfg.Pricing.FixedPayout, "POOLMARKET_PRICING_FIXED_PAYOUT")
	setFloat64(&cfg.Pricing.SeedLiquidity, "POOLMARKET_PRICING_SEED_LIQUIDITY")

	// ── Settlement ──
	setFloat64(&cfg.Settlement.CommissionRate, "POOLMARKET_SETTLEMENT_COMMISSION_RATE")
	setFloat64(&cfg.Settlement.CreatorShareRate, "POOLMARKET_SETTLEMENT_CREATOR_SHARE_RATE")
	setInt(&cfg.Settlement.BatchSize, "POOLMARKET_SETTLEMENT_BATCH_SIZE")
	setStr(&cfg.Settlement.ResidualPolicy, "POOLMARKET_SETTLEMENT_RESIDUAL_POLICY")
	setStr(&cfg.Settlement.PlatformAccount, "POOLMARKET_SETTLEMENT_PLATFORM_ACCOUNT")

	// ── Limits ──
	setFloat64(&cfg.Limits.MaxPerCategory, "POOLMARKET_LIMITS_MAX_PER_CATEGORY")
	setFloat64(&cfg.Limits.MaxCorrelated, "POOLMARKET_LIMITS_MAX_CORRELATED")
	setInt(&cfg.Limits.CorrelationDepth, "POOLMARKET_LIMITS_CORRELATION_DEPTH")

	// ── Access ──
	setStringSlice(&cfg.Access.AdminIDs, "POOLMARKET_ACCESS_ADMIN_IDS")

	setStr(&cfg.LogLevel, "POOLMARKET_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
