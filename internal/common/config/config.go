package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	API      APIConfig
	GTFSRT   GTFSRTConfig
	Ingest   IngestConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Metrics  MetricsConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// APIConfig covers the MBTA V3 REST API.
type APIConfig struct {
	Key     string `validate:"required"`
	BaseURL string `validate:"required,url"`
	// Route filter for predictions and vehicles, e.g. Red,Orange,Blue.
	Routes []string `validate:"min=1"`
}

// GTFSRTConfig covers the protobuf feed endpoints.
type GTFSRTConfig struct {
	BaseURL string `validate:"required,url"`
}

// IngestConfig holds the polling, retry and rate-limit knobs shared by
// all sources. Validated once at startup and immutable afterwards.
type IngestConfig struct {
	PollingInterval time.Duration `validate:"gt=0"`
	BatchSize       int           `validate:"gt=0"`
	MaxRetries      int           `validate:"gte=0"`
	RetryBaseDelay  time.Duration `validate:"gt=0"`
	RetryMaxDelay   time.Duration `validate:"gt=0"`
	RateLimitPerMin int           `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	User     string `validate:"required"`
	Password string
	DBName   string `validate:"required"`
}

// NATSConfig is optional; an empty URL disables live publishing.
type NATSConfig struct {
	URL string
}

// MetricsConfig is optional; an empty address disables the /metrics server.
type MetricsConfig struct {
	Addr string
}

// WebhookConfig is optional; an empty URL disables health notifications.
type WebhookConfig struct {
	URL string
}

type LoggingConfig struct {
	Level    string
	FilePath string `validate:"required"`
}

func Load() (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			Key:     os.Getenv("MBTA_API_KEY"),
			BaseURL: getEnv("MBTA_BASE_URL", "https://api-v3.mbta.com"),
			Routes:  splitList(getEnv("MBTA_ROUTES", "Red,Orange,Blue,Green-B,Green-C,Green-D,Green-E")),
		},
		GTFSRT: GTFSRTConfig{
			BaseURL: getEnv("MBTA_GTFS_RT_BASE_URL", "https://cdn.mbta.com/realtime"),
		},
		Ingest: IngestConfig{
			PollingInterval: getDurationEnv("POLLING_INTERVAL", 15*time.Second),
			BatchSize:       getIntEnv("BATCH_SIZE", 100),
			MaxRetries:      getIntEnv("MAX_RETRIES", 3),
			RetryBaseDelay:  getDurationEnv("RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:   getDurationEnv("RETRY_MAX_DELAY", 2*time.Minute),
			RateLimitPerMin: getIntEnv("RATE_LIMIT_PER_MINUTE", 1000),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "mbta_data"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
		Webhook: WebhookConfig{
			URL: os.Getenv("OPS_WEBHOOK_URL"),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			FilePath: getEnv("LOG_FILE", "mbtatracker.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration tree. A validation error here is
// fatal at startup; the process must not start with a partial config.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Ingest.RetryMaxDelay < c.Ingest.RetryBaseDelay {
		return fmt.Errorf("invalid configuration: RETRY_MAX_DELAY %v is below RETRY_BASE_DELAY %v",
			c.Ingest.RetryMaxDelay, c.Ingest.RetryBaseDelay)
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
