// Package config loads engine configuration from environment variables,
// with optional .env file support for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/model"
)

// Config holds all service configuration.
type Config struct {
	// HTTP
	Port string

	// Storage
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache layer

	// Operator auth
	JWTSecret string

	// Price oracle
	OracleTimeout  time.Duration // per-call deadline
	OracleCacheTTL time.Duration // quote cache lifetime
	OracleMaxStale time.Duration // beyond this, settlement fails with ErrStalePrice

	// Payout policy: "fixed" uses PayoutRate, "range" draws from [PayoutMin, PayoutMax].
	PayoutMode string
	PayoutRate decimal.Decimal
	PayoutMin  decimal.Decimal
	PayoutMax  decimal.Decimal

	// Sub-market generation spec: duration seconds → profit rate.
	SubMarkets []model.SubMarketSpec

	// Risk limits on open stake.
	MaxStakePerAsset decimal.Decimal
	MaxStakeTotal    decimal.Decimal

	// Lifecycle policy: stop before any completed cycle cancels the session
	// instead of completing it.
	CancelOnEarlyStop bool

	// Settlement engine
	ExpirySweepInterval time.Duration // how often out-of-session expiries are swept
	SettleMaxRetries    int           // retries on ErrUnavailable before giving up the attempt

	// Probability a cycle draws a WIN directive when the session carries no
	// preset result. Only managed positions are steered by the directive.
	WinProbability float64
}

// Load reads configuration from the environment. A .env file is honoured if
// present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		PayoutMode:        getEnv("PAYOUT_MODE", "fixed"),
		CancelOnEarlyStop: getEnv("CANCEL_ON_EARLY_STOP", "false") == "true",
	}

	var errs []string

	cfg.OracleTimeout = getDuration(&errs, "ORACLE_TIMEOUT", 3*time.Second)
	cfg.OracleCacheTTL = getDuration(&errs, "ORACLE_CACHE_TTL", 2*time.Second)
	cfg.OracleMaxStale = getDuration(&errs, "ORACLE_MAX_STALE", 15*time.Second)
	cfg.ExpirySweepInterval = getDuration(&errs, "EXPIRY_SWEEP_INTERVAL", time.Second)
	cfg.SettleMaxRetries = getInt(&errs, "SETTLE_MAX_RETRIES", 5)
	cfg.WinProbability = getFloat(&errs, "WIN_PROBABILITY", 0.5)

	cfg.PayoutRate = getDecimal(&errs, "PAYOUT_RATE", "0.85")
	cfg.PayoutMin = getDecimal(&errs, "PAYOUT_MIN", "0.70")
	cfg.PayoutMax = getDecimal(&errs, "PAYOUT_MAX", "0.90")
	cfg.MaxStakePerAsset = getDecimal(&errs, "MAX_STAKE_PER_ASSET", "10000")
	cfg.MaxStakeTotal = getDecimal(&errs, "MAX_STAKE_TOTAL", "50000")

	specs, err := ParseSubMarketSpecs(getEnv("SUB_MARKETS", "60:0.85,120:0.80,300:0.75"))
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.SubMarkets = specs

	if cfg.PayoutMode != "fixed" && cfg.PayoutMode != "range" {
		errs = append(errs, fmt.Sprintf("PAYOUT_MODE must be fixed or range, got %q", cfg.PayoutMode))
	}
	if cfg.WinProbability < 0 || cfg.WinProbability > 1 {
		errs = append(errs, fmt.Sprintf("WIN_PROBABILITY must be in [0, 1], got %g", cfg.WinProbability))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// ParseSubMarketSpecs parses "60:0.85,120:0.80" into sub-market specs.
func ParseSubMarketSpecs(raw string) ([]model.SubMarketSpec, error) {
	var specs []model.SubMarketSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("SUB_MARKETS entry %q: want duration:rate", part)
		}
		dur, err := strconv.Atoi(fields[0])
		if err != nil || dur <= 0 {
			return nil, fmt.Errorf("SUB_MARKETS entry %q: bad duration", part)
		}
		rate, err := decimal.NewFromString(fields[1])
		if err != nil || rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("SUB_MARKETS entry %q: rate must be in (0, 1]", part)
		}
		specs = append(specs, model.SubMarketSpec{TradeDuration: dur, ProfitRate: rate})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("SUB_MARKETS is empty")
	}
	return specs, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(errs *[]string, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return d
}

func getInt(errs *[]string, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return n
}

func getFloat(errs *[]string, key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return f
}

func getDecimal(errs *[]string, key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}
