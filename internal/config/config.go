// Package config loads the service configuration from the environment, after
// an optional .env file, with command-line flags taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/teresa-solution/integration-isolation-service/internal/credpath"
)

type Config struct {
	AppEnv   string
	LogLevel string

	GRPCPort int
	HTTPPort int

	// DatabaseURL selects the Postgres store; empty keeps rows in memory
	DatabaseURL string

	// RedisAddr enables the shared worker lease and stop broadcasts
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EncryptionKey string
	WebRoots      []string
	ProvidersFile string

	StartupGrace   time.Duration
	StopGrace      time.Duration
	RestartPause   time.Duration
	CallTimeout    time.Duration
	RefreshTimeout time.Duration
	RefreshBuffer  time.Duration
	LeaseTTL       time.Duration
	SweepInterval  time.Duration
}

// Production reports whether the service runs with production safeguards
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// Level returns the configured zerolog level, info when unparsable
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// LoadDotEnv reads files into the process environment without overriding
// variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration through lookup (os.LookupEnv in production)
func Load(lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := reader{lookup: lookup}

	cfg := &Config{
		AppEnv:         r.str("APP_ENV", "development"),
		LogLevel:       r.str("LOG_LEVEL", "info"),
		GRPCPort:       r.int("GRPC_PORT", 50052),
		HTTPPort:       r.int("HTTP_PORT", 8082),
		DatabaseURL:    r.str("DATABASE_URL", ""),
		RedisAddr:      r.str("REDIS_ADDR", ""),
		RedisPassword:  r.str("REDIS_PASSWORD", ""),
		RedisDB:        r.int("REDIS_DB", 0),
		EncryptionKey:  r.str("ENCRYPTION_KEY", ""),
		WebRoots:       r.list("WEB_ROOTS", credpath.DefaultWebRoots),
		ProvidersFile:  r.str("PROVIDERS_FILE", ""),
		StartupGrace:   r.duration("WORKER_STARTUP_GRACE", 2*time.Second),
		StopGrace:      r.duration("WORKER_STOP_GRACE", 5*time.Second),
		RestartPause:   r.duration("WORKER_RESTART_PAUSE", time.Second),
		CallTimeout:    r.duration("TOOL_CALL_TIMEOUT", 60*time.Second),
		RefreshTimeout: r.duration("TOKEN_REFRESH_TIMEOUT", 10*time.Second),
		RefreshBuffer:  r.duration("TOKEN_REFRESH_BUFFER", 5*time.Minute),
		LeaseTTL:       r.duration("LEASE_TTL", 30*time.Second),
		SweepInterval:  r.duration("ORPHAN_SWEEP_INTERVAL", time.Hour),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BindFlags lets command-line flags override the loaded values
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.IntVar(&c.GRPCPort, "port", c.GRPCPort, "Port gRPC server")
	fs.IntVar(&c.HTTPPort, "http-port", c.HTTPPort, "Port for health checks and metrics")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string, empty for in-memory storage")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for shared worker leases")
	fs.StringVar(&c.ProvidersFile, "providers", c.ProvidersFile, "YAML file overriding provider worker commands")
	fs.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "Timeout of a single tool call")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Interval of the orphaned credential sweep, 0 to sweep only at startup")
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.GRPCPort <= 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid GRPC_PORT %d", c.GRPCPort)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.StartupGrace <= 0 || c.StopGrace <= 0 || c.CallTimeout <= 0 || c.RefreshTimeout <= 0 || c.LeaseTTL <= 0 {
		return fmt.Errorf("worker and token timeouts must be positive")
	}
	if c.RefreshBuffer < 0 || c.SweepInterval < 0 || c.RestartPause < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Production() && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required when APP_ENV=production")
	}
	return nil
}

// reader keeps the first parse error so Load can report it once
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d
}

func (r *reader) list(key string, def []string) []string {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
