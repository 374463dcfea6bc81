package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion   string
	SQSRegion   string
	SQSQueueURL string
	SQSEndpoint string // LocalStack
	SNSRegion   string
	SNSTopicARN string // token lifecycle events; empty disables publishing

	// Push gateway
	ExpoPushURL     string
	ExpoAccessToken string
	PushBatchSize   int
	PushTimeout     time.Duration
	PushWorkers     int
	PushRateLimit   float64 // gateway requests per second

	// Retry and maintenance
	RetryInterval      time.Duration
	RetryMax           int
	TokenRetentionDays int

	MemberCacheTTL time.Duration

	// API rate limit per user
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit env files. Missing files are ignored.
func LoadFiles(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "familypush",
		DBName:    "familypush",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		ExpoPushURL:   "https://exp.host/--/api/v2/push/send",
		PushBatchSize: 100,
		PushTimeout:   30 * time.Second,
		PushWorkers:   4,
		PushRateLimit: 6,

		RetryInterval:      5 * time.Minute,
		RetryMax:           3,
		TokenRetentionDays: 90,

		MemberCacheTTL: 30 * time.Second,

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Env, "ENV")

	setString(&cfg.DBHost, "DB_HOST")
	setString(&cfg.DBUser, "DB_USER")
	setString(&cfg.DBPassword, "DB_PASSWORD")
	setString(&cfg.DBName, "DB_NAME")
	setString(&cfg.DBSSLMode, "DB_SSLMODE")

	setString(&cfg.RedisHost, "REDIS_HOST")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	setString(&cfg.AWSRegion, "AWS_REGION")
	cfg.SQSRegion = cfg.AWSRegion
	cfg.SNSRegion = cfg.AWSRegion
	setString(&cfg.SQSRegion, "SQS_REGION")
	setString(&cfg.SQSQueueURL, "SQS_QUEUE_URL")
	setString(&cfg.SQSEndpoint, "SQS_ENDPOINT")
	setString(&cfg.SNSRegion, "SNS_REGION")
	setString(&cfg.SNSTopicARN, "SNS_TOPIC_ARN")

	setString(&cfg.ExpoPushURL, "EXPO_PUSH_URL")
	setString(&cfg.ExpoAccessToken, "EXPO_ACCESS_TOKEN")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Port, "PORT"},
		{&cfg.DBPort, "DB_PORT"},
		{&cfg.RedisPort, "REDIS_PORT"},
		{&cfg.RedisDB, "REDIS_DB"},
		{&cfg.PushBatchSize, "PUSH_BATCH_SIZE"},
		{&cfg.PushWorkers, "PUSH_WORKERS"},
		{&cfg.RetryMax, "RETRY_MAX"},
		{&cfg.TokenRetentionDays, "TOKEN_RETENTION_DAYS"},
		{&cfg.APIRateLimit, "API_RATE_LIMIT"},
	}
	for _, v := range ints {
		if err := setInt(v.dst, v.key); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.PushTimeout, "PUSH_TIMEOUT"},
		{&cfg.RetryInterval, "RETRY_INTERVAL"},
		{&cfg.MemberCacheTTL, "MEMBER_CACHE_TTL"},
		{&cfg.APIRateWindow, "API_RATE_WINDOW"},
	}
	for _, v := range durations {
		if err := setDuration(v.dst, v.key); err != nil {
			return nil, err
		}
	}

	if rps := os.Getenv("PUSH_RATE_LIMIT"); rps != "" {
		f, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_RATE_LIMIT: %w", err)
		}
		cfg.PushRateLimit = f
	}

	if cfg.PushBatchSize <= 0 || cfg.PushBatchSize > 100 {
		return nil, fmt.Errorf("invalid PUSH_BATCH_SIZE: %d (must be 1..100)", cfg.PushBatchSize)
	}
	if cfg.PushWorkers <= 0 {
		return nil, fmt.Errorf("invalid PUSH_WORKERS: %d", cfg.PushWorkers)
	}

	return cfg, nil
}

// TokenRetention is TokenRetentionDays as a duration.
func (c *Config) TokenRetention() time.Duration {
	return time.Duration(c.TokenRetentionDays) * 24 * time.Hour
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// setDuration accepts Go durations ("90s") or bare seconds ("90").
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
