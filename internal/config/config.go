package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string
	Env                  string
	AllowedOrigin        string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	StatsCacheTTLSeconds int
	PriceCacheCapacity   int
	ValuationTimeoutMS   int
	StatsTimezone        string
}

func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STATS_CACHE_TTL_SECONDS", 30)
	v.SetDefault("PRICE_CACHE_CAPACITY", 200)
	v.SetDefault("VALUATION_TIMEOUT_MS", 5000)
	v.SetDefault("STATS_TIMEZONE", "Local")

	cfg := Config{
		Port:                 v.GetString("PORT"),
		Env:                  strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		AllowedOrigin:        v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:          strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:            strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		RedisDB:              v.GetInt("REDIS_DB"),
		StatsCacheTTLSeconds: v.GetInt("STATS_CACHE_TTL_SECONDS"),
		PriceCacheCapacity:   v.GetInt("PRICE_CACHE_CAPACITY"),
		ValuationTimeoutMS:   v.GetInt("VALUATION_TIMEOUT_MS"),
		StatsTimezone:        strings.TrimSpace(v.GetString("STATS_TIMEZONE")),
	}
	if cfg.StatsCacheTTLSeconds < 1 {
		cfg.StatsCacheTTLSeconds = 30
	}
	if cfg.PriceCacheCapacity < 1 {
		cfg.PriceCacheCapacity = 200
	}
	if cfg.ValuationTimeoutMS < 1 {
		cfg.ValuationTimeoutMS = 5000
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Development() bool {
	return c.Env == "development" || c.Env == "dev"
}

func (c Config) StatsCacheTTL() time.Duration {
	return time.Duration(c.StatsCacheTTLSeconds) * time.Second
}

func (c Config) ValuationTimeout() time.Duration {
	return time.Duration(c.ValuationTimeoutMS) * time.Millisecond
}

// Location resolves the zone that bounds a stats day. Unknown names fail.
func (c Config) Location() (*time.Location, error) {
	if c.StatsTimezone == "" || strings.EqualFold(c.StatsTimezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return nil, fmt.Errorf("load STATS_TIMEZONE %q: %w", c.StatsTimezone, err)
	}
	return loc, nil
}
