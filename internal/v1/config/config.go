package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for tunables not overridden by environment variables.
const (
	DefaultFloorTimeout      = 30 * time.Second
	DefaultMaxHoldTime       = 5 * time.Minute
	DefaultQueueMaxSize      = 100
	DefaultRouterTimeout     = 10 * time.Second
	DefaultRouterQueueSize   = 1000
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSubscriberBuffer  = 64
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port string

	// Floor control
	FloorTimeout     time.Duration
	FloorMaxHoldTime time.Duration
	FloorQueueMax    int

	// Router
	RouterMaxRetries int // reserved, not enforced yet
	RouterTimeout    time.Duration
	RouterQueueSize  int

	// Streams
	HeartbeatInterval time.Duration

	// Optional Redis transition relay
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Misc
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	CORSOrigins     string

	// Rate Limits (format: "<count>-<period>", e.g. "100-M")
	RateLimitAPI     string
	RateLimitStreams string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config. Returns an error if any value is present but invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8000"
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	var err error
	cfg.FloorTimeout, err = secondsOrDefault("FLOOR_TIMEOUT", DefaultFloorTimeout)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.FloorMaxHoldTime, err = secondsOrDefault("FLOOR_MAX_HOLD_TIME", DefaultMaxHoldTime)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.FloorQueueMax, err = intOrDefault("FLOOR_QUEUE_MAX_SIZE", DefaultQueueMaxSize)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RouterMaxRetries, err = intOrDefault("ROUTER_MAX_RETRIES", 0)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RouterTimeout, err = secondsOrDefault("ROUTER_TIMEOUT", DefaultRouterTimeout)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RouterQueueSize, err = intOrDefault("ROUTER_QUEUE_SIZE", DefaultRouterQueueSize)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.HeartbeatInterval, err = secondsOrDefault("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval)
	if err != nil {
		errs = append(errs, err.Error())
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.CORSOrigins = os.Getenv("CORS_ORIGINS")

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "1000-M")
	cfg.RateLimitStreams = getEnvOrDefault("RATE_LIMIT_STREAMS", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// AllowedOrigins parses CORS_ORIGINS into a list, falling back to the given
// defaults when unset.
func (c *Config) AllowedOrigins(defaults []string) []string {
	if c.CORSOrigins == "" {
		return defaults
	}
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return defaults
	}
	return origins
}

// secondsOrDefault reads an environment variable holding a positive integer
// number of seconds.
func secondsOrDefault(key string, def time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer number of seconds (got '%s')", key, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func intOrDefault(key string, def int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer (got '%s')", key, raw)
	}
	return n, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"floor_timeout", cfg.FloorTimeout,
		"floor_max_hold_time", cfg.FloorMaxHoldTime,
		"floor_queue_max_size", cfg.FloorQueueMax,
		"router_timeout", cfg.RouterTimeout,
		"router_queue_size", cfg.RouterQueueSize,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
