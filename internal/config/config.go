package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the tracker daemon.
type Config struct {
	Port        string
	MetricsAddr string

	AuthToken          string
	CORSAllowedOrigins []string

	ExportAPIKey        string
	ExportAPIBaseURL    string
	ExportAPITimeoutMS  int
	ExportAPIMaxRetries int
	ExportAPIRateRPS    float64
	ExportAPIRateBurst  int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SQLitePath string

	JobRetentionHours int
	PollIntervalMS    int
	PollCacheTTLMS    int
	PollMaxConcurrent int
	PollMaxFailures   int

	NotifyDismissMS int

	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9091"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		ExportAPIKey:        getEnv("EXPORT_API_KEY", ""),
		ExportAPIBaseURL:    getEnv("EXPORT_API_BASE_URL", "https://api.lodgefeed.io/v1"),
		ExportAPITimeoutMS:  getEnvInt("EXPORT_API_TIMEOUT_MS", 15000),
		ExportAPIMaxRetries: getEnvInt("EXPORT_API_MAX_RETRIES", 2),
		ExportAPIRateRPS:    getEnvFloat("EXPORT_API_RATE_RPS", 20),
		ExportAPIRateBurst:  getEnvInt("EXPORT_API_RATE_BURST", 40),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "export_tracker"),

		SQLitePath: getEnv("SQLITE_PATH", "export-tracker.db"),

		JobRetentionHours: getEnvInt("JOB_RETENTION_HOURS", 24),
		PollIntervalMS:    getEnvInt("POLL_INTERVAL_MS", 5000),
		PollCacheTTLMS:    getEnvInt("POLL_CACHE_TTL_MS", 5000),
		PollMaxConcurrent: getEnvInt("POLL_MAX_CONCURRENT", 10),
		PollMaxFailures:   getEnvInt("POLL_MAX_FAILURES", 3),

		NotifyDismissMS: getEnvInt("NOTIFY_DISMISS_MS", 10000),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			list = append(list, trimmed)
		}
	}
	if len(list) == 0 {
		return fallback
	}
	return list
}
