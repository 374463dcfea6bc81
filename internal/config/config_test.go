package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFiles(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.PushBatchSize != 100 || cfg.PushWorkers != 4 || cfg.PushRateLimit != 6 {
		t.Errorf("unexpected push defaults: batch=%d workers=%d rps=%v", cfg.PushBatchSize, cfg.PushWorkers, cfg.PushRateLimit)
	}
	if cfg.PushTimeout != 30*time.Second {
		t.Errorf("expected 30s push timeout, got %s", cfg.PushTimeout)
	}
	if cfg.RetryInterval != 5*time.Minute || cfg.RetryMax != 3 {
		t.Errorf("unexpected retry defaults: %s / %d", cfg.RetryInterval, cfg.RetryMax)
	}
	if cfg.TokenRetention() != 90*24*time.Hour {
		t.Errorf("expected 90 day retention, got %s", cfg.TokenRetention())
	}
	if cfg.SQSRegion != cfg.AWSRegion || cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("expected SQS/SNS regions to follow AWS_REGION")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "eu-central-1")
	t.Setenv("PUSH_BATCH_SIZE", "50")
	t.Setenv("PUSH_TIMEOUT", "45")
	t.Setenv("RETRY_INTERVAL", "90s")
	t.Setenv("PUSH_RATE_LIMIT", "2.5")
	t.Setenv("EXPO_ACCESS_TOKEN", "secret")

	cfg, err := LoadFiles()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.SQSRegion != "eu-west-1" || cfg.SNSRegion != "eu-central-1" {
		t.Errorf("unexpected regions: sqs=%s sns=%s", cfg.SQSRegion, cfg.SNSRegion)
	}
	if cfg.PushBatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.PushBatchSize)
	}
	if cfg.PushTimeout != 45*time.Second {
		t.Errorf("expected bare seconds to parse, got %s", cfg.PushTimeout)
	}
	if cfg.RetryInterval != 90*time.Second {
		t.Errorf("expected 90s retry interval, got %s", cfg.RetryInterval)
	}
	if cfg.PushRateLimit != 2.5 {
		t.Errorf("expected rate 2.5, got %v", cfg.PushRateLimit)
	}
	if cfg.ExpoAccessToken != "secret" {
		t.Errorf("expected access token from env")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "http"},
		{"DB_PORT", "five"},
		{"PUSH_BATCH_SIZE", "500"},
		{"PUSH_WORKERS", "0"},
		{"PUSH_TIMEOUT", "soon"},
		{"PUSH_RATE_LIMIT", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFiles(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("DB_NAME=fromfile\nRETRY_MAX=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides variables that are already set.
	t.Setenv("RETRY_MAX", "2")
	t.Cleanup(func() { os.Unsetenv("DB_NAME") })

	cfg, err := LoadFiles(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBName != "fromfile" {
		t.Errorf("expected DB_NAME from file, got %q", cfg.DBName)
	}
	if cfg.RetryMax != 2 {
		t.Errorf("expected environment to win over file, got %d", cfg.RetryMax)
	}
}
