// Package config provides a minimal environment-backed configuration loader
// used by the event store's bootstrap (cmd/eventstore/main.go).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime config values used by main.go. Keep this
// intentionally minimal — we can expand later.
type Config struct {
	DatabaseURL string // DATABASE_URL

	// KeyManagerMasterKey wraps every key_id's key_material at rest with
	// AES-GCM before it reaches Postgres. Accepts 64 hex characters or a raw
	// 32-byte string. Left empty, key_material is stored unwrapped, which is
	// only appropriate for local development. Never logged.
	KeyManagerMasterKey string // KEY_MANAGER_MASTER_KEY

	RunnerBatchSize    int           // RUNNER_BATCH_SIZE (default 50)
	ConsumerPollInterval time.Duration // CONSUMER_POLL_INTERVAL_SECONDS (default 2s)

	ArchivalEnabled      bool          // ARCHIVAL_ENABLED
	ArchivalKafkaBrokers string        // ARCHIVAL_KAFKA_BROKERS (comma-separated)
	ArchivalKafkaTopic   string        // ARCHIVAL_KAFKA_TOPIC
	ArchivalS3Bucket     string        // ARCHIVAL_S3_BUCKET
	ArchivalS3Prefix     string        // ARCHIVAL_S3_PREFIX
	ArchivalBatchSize    int           // ARCHIVAL_BATCH_SIZE (default 10)
	ArchivalPollInterval time.Duration // ARCHIVAL_POLL_INTERVAL_SECONDS (default 3s)
	ArchivalConcurrency  int           // ARCHIVAL_MAX_CONCURRENCY (default 5)
}

// LoadFromEnv reads config values from environment variables and returns a Config pointer.
func LoadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		KeyManagerMasterKey:  os.Getenv("KEY_MANAGER_MASTER_KEY"),
		ArchivalKafkaBrokers: os.Getenv("ARCHIVAL_KAFKA_BROKERS"),
		ArchivalKafkaTopic:   os.Getenv("ARCHIVAL_KAFKA_TOPIC"),
		ArchivalS3Bucket:     os.Getenv("ARCHIVAL_S3_BUCKET"),
		ArchivalS3Prefix:     os.Getenv("ARCHIVAL_S3_PREFIX"),
	}

	cfg.RunnerBatchSize = 50
	if v := os.Getenv("RUNNER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RunnerBatchSize = n
		}
	}

	cfg.ConsumerPollInterval = 2 * time.Second
	if v := os.Getenv("CONSUMER_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ConsumerPollInterval = time.Duration(n) * time.Second
		}
	}

	cfg.ArchivalBatchSize = 10
	if v := os.Getenv("ARCHIVAL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ArchivalBatchSize = n
		}
	}

	cfg.ArchivalPollInterval = 3 * time.Second
	if v := os.Getenv("ARCHIVAL_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ArchivalPollInterval = time.Duration(n) * time.Second
		}
	}

	cfg.ArchivalConcurrency = 5
	if v := os.Getenv("ARCHIVAL_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ArchivalConcurrency = n
		}
	}

	// Archival is enabled only when every required destination is configured,
	// mirroring the conditional-wiring check in the kernel bootstrap.
	destinationsComplete := cfg.ArchivalKafkaBrokers != "" && cfg.ArchivalKafkaTopic != "" && cfg.ArchivalS3Bucket != ""
	if v := os.Getenv("ARCHIVAL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ArchivalEnabled = b && destinationsComplete
		}
	} else {
		cfg.ArchivalEnabled = destinationsComplete
	}

	return cfg
}
