// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/attestgateway/internal/network"
)

// Config holds gateway configuration.
type Config struct {
	ListenAddr         string
	CacheTTL           time.Duration // Lifetime of a cached per-network count
	CacheSize          int           // Maximum cached entries before LRU eviction
	CacheFailures      bool          // Cache degraded zero counts from failed upstream calls
	UpstreamTimeout    time.Duration // Per-registry request timeout
	BaseDomain         string        // EAS explorer domain the network subdomains are prefixed to
	NetworksFile       string        // Optional TOML file replacing the built-in network table
	DatabasePath       string        // SQLite lookup log path; empty disables the lookup log
	CORSAllowedOrigins string        // Comma-separated list of allowed origins, or "*" for all (default: "*")
	LogLevel           string        // debug, info, warn, error
	ShutdownTimeout    time.Duration
}

// Defaults
const (
	DefaultListenAddr         = ":3008"
	DefaultCacheTTL           = time.Hour
	DefaultCacheSize          = 1000
	DefaultCacheFailures      = false
	DefaultUpstreamTimeout    = 10 * time.Second
	DefaultBaseDomain         = network.DefaultBaseDomain
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultShutdownTimeout    = 10 * time.Second
)

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		ListenAddr:         DefaultListenAddr,
		CacheTTL:           DefaultCacheTTL,
		CacheSize:          DefaultCacheSize,
		CacheFailures:      DefaultCacheFailures,
		UpstreamTimeout:    DefaultUpstreamTimeout,
		BaseDomain:         DefaultBaseDomain,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := Defaults()

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("attestgateway", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Lifetime of cached counts")
	fs.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "Maximum number of cached counts")
	fs.BoolVar(&cfg.CacheFailures, "cache-failures", cfg.CacheFailures, "Cache zero counts from failed registry calls")
	fs.DurationVar(&cfg.UpstreamTimeout, "upstream-timeout", cfg.UpstreamTimeout, "Timeout for each registry request")
	fs.StringVar(&cfg.BaseDomain, "base-domain", cfg.BaseDomain, "EAS explorer base domain")
	fs.StringVar(&cfg.NetworksFile, "networks", cfg.NetworksFile, "TOML file replacing the built-in network table")
	fs.StringVar(&cfg.DatabasePath, "database", cfg.DatabasePath, "SQLite lookup log path (empty disables)")
	fs.StringVar(&cfg.CORSAllowedOrigins, "cors-origins", cfg.CORSAllowedOrigins, "Allowed CORS origins, comma-separated or *")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL %q: %w", v, err)
		}
		c.CacheTTL = d
	}
	if v := getenv("CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_SIZE %q: %w", v, err)
		}
		c.CacheSize = n
	}
	if v := getenv("CACHE_FAILURES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_FAILURES %q: %w", v, err)
		}
		c.CacheFailures = b
	}
	if v := getenv("UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid UPSTREAM_TIMEOUT %q: %w", v, err)
		}
		c.UpstreamTimeout = d
	}
	if v := getenv("EAS_BASE_DOMAIN"); v != "" {
		c.BaseDomain = v
	}
	if v := getenv("NETWORKS_FILE"); v != "" {
		c.NetworksFile = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SHUTDOWN_TIMEOUT %q: %w", v, err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	// A non-positive TTL would make every cache write a no-op.
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if c.BaseDomain == "" && c.NetworksFile == "" {
		return fmt.Errorf("base domain is required")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout cannot be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Networks builds the network registry from NetworksFile, or from the
// built-in table when no file is configured.
func (c *Config) Networks() (*network.Registry, error) {
	if c.NetworksFile != "" {
		return network.LoadFile(c.NetworksFile, c.BaseDomain)
	}
	return network.DefaultRegistry(c.BaseDomain), nil
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}
