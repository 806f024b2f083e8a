package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "MAX_RETRIES", "RECENCY_DAYS", "POLLING_INTERVAL_SEC", "MIN_REQUEST_INTERVAL_MS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://matches.db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RecencyWindow != 90*24*time.Hour {
		t.Errorf("RecencyWindow = %v", cfg.RecencyWindow)
	}
	if cfg.MinRequestInterval != time.Second {
		t.Errorf("MinRequestInterval = %v", cfg.MinRequestInterval)
	}
	if cfg.PollingInterval != time.Minute {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
}

func TestLoad_InvalidIntegerFallsBack(t *testing.T) {
	t.Setenv("DISCOVERY_LIMIT", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DiscoveryLimit != 50 {
		t.Errorf("DiscoveryLimit = %d, want default 50", cfg.DiscoveryLimit)
	}
}

func TestLoad_OutOfRange(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"MAX_RETRIES", "-1"},
		{"POLLING_INTERVAL_SEC", "0"},
		{"RECENCY_DAYS", "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
			if !IsConfigurationError(err) {
				t.Errorf("expected ConfigurationError, got %T: %v", err, err)
			}
		})
	}
}
