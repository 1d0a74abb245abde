package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ErrLog server.
type Config struct {
	Server    ServerConfig
	Backend   string
	Database  DatabaseConfig
	Redis     RedisConfig
	Capture   CaptureConfig
	Rollup    RollupConfig
	Retention RetentionConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type CaptureConfig struct {
	ApplicationName    string
	MachineName        string
	AppendStackTraces  bool
	RollupPerServer    bool
	IgnoreTypes        []string
	IgnorePatterns     []string
	DataIncludePattern string
}

type RollupConfig struct {
	Window time.Duration
}

type RetentionConfig struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
}

type AuthConfig struct {
	// IngestTokenHash is the bcrypt hash of the bearer token reporters
	// present. Empty disables authentication (development only).
	IngestTokenHash string
	RateLimitPerMin int
}

var validBackends = map[string]bool{
	"postgres": true,
	"redis":    true,
	"memory":   true,
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ERRLOG_PORT", 8080),
			Env:  envString("ERRLOG_ENV", "development"),
		},
		Backend: envString("ERRLOG_BACKEND", "postgres"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Capture: CaptureConfig{
			ApplicationName:    os.Getenv("ERRLOG_APPLICATION"),
			MachineName:        os.Getenv("ERRLOG_MACHINE_NAME"),
			AppendStackTraces:  envBool("ERRLOG_APPEND_STACK_TRACES", false),
			RollupPerServer:    envBool("ERRLOG_ROLLUP_PER_SERVER", false),
			IgnoreTypes:        envList("ERRLOG_IGNORE_TYPES"),
			IgnorePatterns:     envList("ERRLOG_IGNORE_PATTERNS"),
			DataIncludePattern: os.Getenv("ERRLOG_DATA_INCLUDE_PATTERN"),
		},
		Rollup: RollupConfig{
			Window: envDuration("ERRLOG_ROLLUP_WINDOW", 10*time.Minute),
		},
		Retention: RetentionConfig{
			MaxAge:        envDuration("ERRLOG_RETENTION_MAX_AGE", 30*24*time.Hour),
			SweepInterval: envDuration("ERRLOG_RETENTION_SWEEP_INTERVAL", time.Hour),
		},
		Auth: AuthConfig{
			IngestTokenHash: os.Getenv("ERRLOG_INGEST_TOKEN_HASH"),
			RateLimitPerMin: envInt("ERRLOG_RATE_LIMIT_PER_MIN", 600),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Capture.ApplicationName == "" {
		return fmt.Errorf("ERRLOG_APPLICATION is required")
	}

	if !validBackends[c.Backend] {
		return fmt.Errorf("ERRLOG_BACKEND must be one of postgres, redis, memory; got %q", c.Backend)
	}
	if c.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when ERRLOG_BACKEND is postgres")
	}
	if c.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when ERRLOG_BACKEND is redis")
	}

	if c.Rollup.Window <= 0 {
		return fmt.Errorf("ERRLOG_ROLLUP_WINDOW must be positive, got %s", c.Rollup.Window)
	}
	if c.Retention.MaxAge <= 0 {
		return fmt.Errorf("ERRLOG_RETENTION_MAX_AGE must be positive, got %s", c.Retention.MaxAge)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList parses a comma-separated environment variable, dropping empty
// entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
