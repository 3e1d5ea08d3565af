package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		API: APIConfig{
			Key:     "test-key",
			BaseURL: "https://api-v3.mbta.com",
			Routes:  []string{"Red"},
		},
		GTFSRT: GTFSRTConfig{
			BaseURL: "https://cdn.mbta.com/realtime",
		},
		Ingest: IngestConfig{
			PollingInterval: 15 * time.Second,
			BatchSize:       100,
			MaxRetries:      3,
			RetryBaseDelay:  5 * time.Second,
			RetryMaxDelay:   2 * time.Minute,
			RateLimitPerMin: 1000,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:   "localhost",
			Port:   "5432",
			User:   "postgres",
			DBName: "mbta_data",
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "mbtatracker.log",
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.API.Key = "" }},
		{"bad base url", func(c *Config) { c.API.BaseURL = "not-a-url" }},
		{"no routes", func(c *Config) { c.API.Routes = nil }},
		{"zero polling interval", func(c *Config) { c.Ingest.PollingInterval = 0 }},
		{"zero batch size", func(c *Config) { c.Ingest.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.Ingest.MaxRetries = -1 }},
		{"zero rate limit", func(c *Config) { c.Ingest.RateLimitPerMin = 0 }},
		{"missing db name", func(c *Config) { c.Database.DBName = "" }},
		{"max delay below base", func(c *Config) { c.Ingest.RetryMaxDelay = time.Second }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MBTA_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Ingest.PollingInterval != 15*time.Second {
		t.Errorf("expected default polling interval 15s, got %v", cfg.Ingest.PollingInterval)
	}
	if cfg.Ingest.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.RateLimitPerMin != 1000 {
		t.Errorf("expected default rate limit 1000, got %d", cfg.Ingest.RateLimitPerMin)
	}
	if len(cfg.API.Routes) != 7 {
		t.Errorf("expected 7 default routes, got %d", len(cfg.API.Routes))
	}
}

func TestLoadRejectsMissingKey(t *testing.T) {
	t.Setenv("MBTA_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" Red, Orange ,,Blue ")
	want := []string{"Red", "Orange", "Blue"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
