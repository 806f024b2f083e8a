package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigurationError is fatal at startup: unreadable roster, storage target,
// or an out-of-range setting.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err (or anything it wraps) is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

type Config struct {
	PlayerListPath string
	DatabaseURL    string
	TursoAuthToken string
	QueueFile      string

	OpenDotaBaseURL string
	MatchDetailsURL string
	OpenDotaAPIKey  string

	MinRequestInterval     time.Duration
	PollingInterval        time.Duration
	QueueProcessInterval   time.Duration
	ProfileRefreshInterval time.Duration
	RetryDelay             time.Duration
	ShutdownGrace          time.Duration
	MaxRetries             int
	RecencyWindow          time.Duration
	DiscoveryLimit         int

	LogLevel  string
	LogFormat string

	MetricsAddr       string
	DiscordWebhookURL string
}

// envPaths mirrors where the binaries are usually started from.
var envPaths = []string{".env", "../.env", "../../.env"}

// LoadDotEnv loads the first .env file found. Process environment wins over
// the file because godotenv never overrides variables that are already set.
func LoadDotEnv() string {
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads configuration from the environment. Call LoadDotEnv first when
// a .env file should be honoured.
func Load() (*Config, error) {
	cfg := &Config{
		PlayerListPath: getEnv("PLAYER_LIST_PATH", "player_list.json"),
		DatabaseURL:    strings.Trim(getEnv("DATABASE_URL", "sqlite://matches.db"), "\""),
		TursoAuthToken: getEnv("TURSO_AUTH_TOKEN", ""),
		QueueFile:      getEnv("QUEUE_FILE", "queue.json"),

		OpenDotaBaseURL: strings.TrimRight(getEnv("OPENDOTA_BASE_URL", "https://api.opendota.com/api"), "/"),
		MatchDetailsURL: strings.TrimRight(getEnv("MATCH_DETAILS_URL", "https://api.opendota.com/api/matches"), "/"),
		OpenDotaAPIKey:  getEnv("OPENDOTA_API_KEY", ""),

		MinRequestInterval:     time.Duration(getEnvInt("MIN_REQUEST_INTERVAL_MS", 1000)) * time.Millisecond,
		PollingInterval:        time.Duration(getEnvInt("POLLING_INTERVAL_SEC", 60)) * time.Second,
		QueueProcessInterval:   time.Duration(getEnvInt("QUEUE_PROCESS_INTERVAL_MS", 0)) * time.Millisecond,
		ProfileRefreshInterval: time.Duration(getEnvInt("PROFILE_UPDATE_INTERVAL_SEC", 3600)) * time.Second,
		RetryDelay:             time.Duration(getEnvInt("RETRY_DELAY_SEC", 5)) * time.Second,
		ShutdownGrace:          time.Duration(getEnvInt("SHUTDOWN_GRACE_SEC", 30)) * time.Second,
		MaxRetries:             getEnvInt("MAX_RETRIES", 3),
		RecencyWindow:          time.Duration(getEnvInt("RECENCY_DAYS", 90)) * 24 * time.Hour,
		DiscoveryLimit:         getEnvInt("DISCOVERY_LIMIT", 50),

		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "TEXT"),

		MetricsAddr:       getEnv("METRICS_ADDR", ""),
		DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return &ConfigurationError{Key: "DATABASE_URL", Err: errors.New("must not be empty")}
	case c.QueueFile == "":
		return &ConfigurationError{Key: "QUEUE_FILE", Err: errors.New("must not be empty")}
	case c.MaxRetries < 0:
		return &ConfigurationError{Key: "MAX_RETRIES", Err: fmt.Errorf("must be >= 0, got %d", c.MaxRetries)}
	case c.MinRequestInterval < 0:
		return &ConfigurationError{Key: "MIN_REQUEST_INTERVAL_MS", Err: errors.New("must be >= 0")}
	case c.PollingInterval <= 0:
		return &ConfigurationError{Key: "POLLING_INTERVAL_SEC", Err: errors.New("must be > 0")}
	case c.RecencyWindow <= 0:
		return &ConfigurationError{Key: "RECENCY_DAYS", Err: errors.New("must be > 0")}
	case c.DiscoveryLimit <= 0:
		return &ConfigurationError{Key: "DISCOVERY_LIMIT", Err: errors.New("must be > 0")}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return i
}
