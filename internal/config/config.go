// Package config loads gateway configuration from the environment, an
// optional .env file, and an optional TOML config file. Environment
// variables always take precedence over file values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Addr        string
	Environment string
	DebugMode   bool
	LogLevel    string

	APIKeys     []string
	AuthEnabled bool

	RateLimitEnabled   bool
	RateLimitPerMinute int

	AllowedOrigins []string

	StreamingEnabled bool
	DefaultModel     string

	Cookie1PSID   string
	Cookie1PSIDTS string
	HTTPProxy     string

	CookieAutoRefresh          bool
	CookieRefreshIntervalHours int

	RedisURL         string
	AWSRegion        string
	CookieSecretName string
	SNSTopicARN      string
	UsageQueueURL    string
	OTLPEndpoint     string

	AdminPasswordHash string
}

// fileConfig mirrors the subset of options that may come from config.toml.
// Secrets (cookies, API keys) deliberately stay env-only.
type fileConfig struct {
	Addr               string   `toml:"addr"`
	Environment        string   `toml:"environment"`
	LogLevel           string   `toml:"log_level"`
	DefaultModel       string   `toml:"default_model"`
	AllowedOrigins     []string `toml:"allowed_origins"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	HTTPProxy          string   `toml:"http_proxy"`
}

func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded environment from .env")
	}

	var fc fileConfig
	configFile := getEnv("CONFIG_FILE", "config.toml")
	if data, err := os.ReadFile(configFile); err == nil {
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFile, err)
		}
		slog.Info("loaded configuration file", "path", configFile)
	}

	environment := getEnv("ENVIRONMENT", orDefault(fc.Environment, "development"))
	debugDefault := environment == "development"

	cfg := &Config{
		Addr:        getEnv("ADDR", orDefault(fc.Addr, ":6969")),
		Environment: environment,
		DebugMode:   getEnvBool("DEBUG_MODE", debugDefault),
		LogLevel:    getEnv("LOG_LEVEL", orDefault(fc.LogLevel, "info")),

		APIKeys:     splitList(getEnv("API_KEYS", "")),
		AuthEnabled: getEnvBool("API_AUTH_ENABLED", true),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", orDefaultInt(fc.RateLimitPerMinute, 60)),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", orDefault(strings.Join(fc.AllowedOrigins, ","), "*"))),

		StreamingEnabled: getEnvBool("STREAMING_ENABLED", true),
		DefaultModel:     getEnv("GEMINI_DEFAULT_MODEL", orDefault(fc.DefaultModel, "gemini-2.0-flash")),

		Cookie1PSID:   getEnv("GEMINI_COOKIE_1PSID", ""),
		Cookie1PSIDTS: getEnv("GEMINI_COOKIE_1PSIDTS", ""),
		HTTPProxy:     getEnv("HTTP_PROXY", fc.HTTPProxy),

		CookieAutoRefresh:          getEnvBool("COOKIE_AUTO_REFRESH", true),
		CookieRefreshIntervalHours: getEnvInt("COOKIE_REFRESH_INTERVAL_HOURS", 12),

		RedisURL:         getEnv("REDIS_URL", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		CookieSecretName: getEnv("COOKIE_SECRET_NAME", ""),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL:    getEnv("USAGE_QUEUE_URL", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),

		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return cfg, nil
}

// Validate reports hazardous but tolerated settings. Fail-open
// authentication is deliberately allowed for development, never silently.
func (c *Config) Validate() []string {
	var warnings []string

	if c.AuthEnabled && len(c.APIKeys) == 0 {
		warnings = append(warnings, "API_KEYS is empty: authentication is FAIL-OPEN, every key is accepted")
	}
	if !c.AuthEnabled {
		warnings = append(warnings, "API_AUTH_ENABLED=false: authentication is disabled")
	}
	if !c.RateLimitEnabled {
		warnings = append(warnings, "RATE_LIMIT_ENABLED=false: rate limiting is disabled")
	}
	if c.Cookie1PSID == "" && c.CookieSecretName == "" {
		warnings = append(warnings, "no session cookies configured (GEMINI_COOKIE_1PSID or COOKIE_SECRET_NAME): upstream will be unavailable")
	}
	if c.RateLimitPerMinute <= 0 {
		warnings = append(warnings, "RATE_LIMIT_PER_MINUTE must be positive, falling back to 60")
		c.RateLimitPerMinute = 60
	}

	return warnings
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.CookieRefreshIntervalHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" || s == "*" {
		if s == "*" {
			return []string{"*"}
		}
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
