// Package config reads the node settings from .env and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/yeremiapane/restaurant-sync/conflict"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type Config struct {
	Port     string
	GinMode  string
	LogLevel string

	LocalDBPath    string
	RemoteDBDriver string
	RemoteDBDSN    string

	ConflictStrategy   conflict.Strategy
	SyncPollInterval   time.Duration
	ProbeInterval      time.Duration
	ProbeURL           string
	SyncBackoffBase    time.Duration
	SyncBackoffMax     time.Duration
	SyncMaxAttempts    int
	SyncAutoDrain      bool
	ChangePollInterval time.Duration

	MenuMaxAge time.Duration

	CacheVersion      string
	CacheOriginURL    string
	CacheDataPrefixes []string
	CacheOfflinePage  string
	CachePrecacheURLs []string
	CacheHotEntries   int

	JWTSecret string

	ImageBucket          string
	ImageEndpoint        string
	ImageRegion          string
	ImageAccessKeyID     string
	ImageSecretAccessKey string
	ImagePublicURL       string

	OrderRetention time.Duration
	LocalRetention time.Duration

	CORSOrigin         string
	RateLimitPerSecond float64
}

// Load reads .env (when present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		utils.InfoLogger.Warn(".env file not found, using environment")
	}
	return FromEnv()
}

// FromEnv builds the config from environment variables only.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LocalDBPath:    getEnv("LOCAL_DB_PATH", "data/local.db"),
		RemoteDBDriver: getEnv("REMOTE_DB_DRIVER", "sqlite"),
		RemoteDBDSN:    getEnv("REMOTE_DB_DSN", "data/remote.db"),

		SyncPollInterval:   p.duration("SYNC_POLL_INTERVAL", 30*time.Second),
		ProbeInterval:      p.duration("PROBE_INTERVAL", 15*time.Second),
		ProbeURL:           getEnv("PROBE_URL", ""),
		SyncBackoffBase:    p.duration("SYNC_BACKOFF_BASE", 5*time.Second),
		SyncBackoffMax:     p.duration("SYNC_BACKOFF_MAX", 5*time.Minute),
		SyncMaxAttempts:    p.int("SYNC_MAX_ATTEMPTS", 10),
		SyncAutoDrain:      p.bool("SYNC_AUTO_DRAIN", true),
		ChangePollInterval: p.duration("CHANGE_POLL_INTERVAL", time.Second),

		MenuMaxAge: p.duration("MENU_MAX_AGE", time.Hour),

		CacheVersion:      getEnv("CACHE_VERSION", "v1"),
		CacheOriginURL:    getEnv("CACHE_ORIGIN_URL", "http://127.0.0.1:5500"),
		CacheDataPrefixes: getEnvList("CACHE_DATA_PREFIXES", []string{"/rest/v1/"}),
		CacheOfflinePage:  getEnv("CACHE_OFFLINE_PAGE", "/offline.html"),
		CachePrecacheURLs: getEnvList("CACHE_PRECACHE_URLS", []string{"/", "/index.html", "/manifest.json"}),
		CacheHotEntries:   p.int("CACHE_HOT_ENTRIES", 256),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ImageBucket:          getEnv("IMAGE_BUCKET", ""),
		ImageEndpoint:        getEnv("IMAGE_ENDPOINT", ""),
		ImageRegion:          getEnv("IMAGE_REGION", "auto"),
		ImageAccessKeyID:     getEnv("IMAGE_ACCESS_KEY_ID", ""),
		ImageSecretAccessKey: getEnv("IMAGE_SECRET_ACCESS_KEY", ""),
		ImagePublicURL:       getEnv("IMAGE_PUBLIC_URL", ""),

		OrderRetention: p.duration("ORDER_RETENTION", 30*24*time.Hour),
		LocalRetention: p.duration("LOCAL_RETENTION", 7*24*time.Hour),

		CORSOrigin:         getEnv("CORS_ORIGIN", "http://127.0.0.1:5500"),
		RateLimitPerSecond: p.float("RATE_LIMIT_PER_SECOND", 50),
	}

	strategy, err := conflict.ParseStrategy(getEnv("CONFLICT_STRATEGY", string(conflict.StrategyRemote)))
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("CONFLICT_STRATEGY: %v", err))
	}
	cfg.ConflictStrategy = strategy

	switch cfg.RemoteDBDriver {
	case "mysql", "sqlite":
	default:
		p.errs = append(p.errs, fmt.Sprintf("REMOTE_DB_DRIVER: unsupported driver %q", cfg.RemoteDBDriver))
	}
	if cfg.SyncMaxAttempts < 1 {
		p.errs = append(p.errs, "SYNC_MAX_ATTEMPTS: must be at least 1")
	}

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
	}
	return cfg, nil
}

// ImagesEnabled reports whether a bucket is configured.
func (c *Config) ImagesEnabled() bool {
	return c.ImageBucket != "" && c.ImageAccessKeyID != "" && c.ImageSecretAccessKey != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// getEnvList splits a comma separated value.
func getEnvList(key string, fallback []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every invalid value instead of stopping at the first.
type parser struct {
	errs []string
}

func (p *parser) int(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func (p *parser) bool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}
