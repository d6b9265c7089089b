// Package config loads process configuration once at boot into a plain
// struct that is then passed explicitly to every constructor. There is no
// package-level mutable state.
package config

import (
	"path/filepath"
	"time"

	"github.com/geoharmony/orchestrator/internal/logger"
)

type Config struct {
	// Core limits, paths, and credentials.
	DefaultResultPageSize           int
	WorkItemRetryLimit              int
	CMRMaxPageSize                  int
	AggregateStacCatalogMaxPageSize int
	HostVolumePath                  string
	AWSDefaultRegion                string
	SharedSecretKey                 string

	// Operational knobs.
	HTTPAddr            string
	DatabaseURL         string
	ObjectStoreBucket   string
	ObjectStoreLocalDir string

	FailerSchedule     string        // cron expression; empty means use FailerTickInterval
	FailerTickInterval time.Duration
	FailDuration       time.Duration // fallback when a step has too few successes to infer one

	ReaperSchedule     string
	ReaperTickInterval time.Duration
	ReapAge            time.Duration

	GranuleIndexBaseURL string
	PermissionBaseURL   string

	RedisAddr string

	DeadLetterStreamName string
	DeadLetterGroupName  string
}

func Load(log *logger.Logger) Config {
	log.Info("loading environment configuration...")
	cfg := Config{
		DefaultResultPageSize:           getEnvAsInt("DEFAULT_RESULT_PAGE_SIZE", 20, log),
		WorkItemRetryLimit:              getEnvAsInt("WORK_ITEM_RETRY_LIMIT", 3, log),
		CMRMaxPageSize:                  getEnvAsInt("CMR_MAX_PAGE_SIZE", 2000, log),
		AggregateStacCatalogMaxPageSize: getEnvAsInt("AGGREGATE_STAC_CATALOG_MAX_PAGE_SIZE", 2000, log),
		HostVolumePath:                  getEnv("HOST_VOLUME_PATH", "/tmp/harmony", log),
		AWSDefaultRegion:                getEnv("AWS_DEFAULT_REGION", "us-west-2", log),
		SharedSecretKey:                 getEnv("SHARED_SECRET_KEY", "", log),

		HTTPAddr:          getEnv("HTTP_ADDR", ":3000", log),
		DatabaseURL:       getEnv("DATABASE_URL", "postgres://postgres@localhost:5432/harmony?sslmode=disable", log),
		ObjectStoreBucket: getEnv("OBJECT_STORE_BUCKET", "harmony-artifacts", log),

		FailerSchedule:     getEnv("FAILER_SCHEDULE", "", log),
		FailerTickInterval: time.Duration(getEnvAsInt("FAILER_TICK_SECONDS", 30, log)) * time.Second,
		FailDuration:       time.Duration(getEnvAsInt("FAIL_DURATION_MS", 7_200_000, log)) * time.Millisecond,

		ReaperSchedule:     getEnv("REAPER_SCHEDULE", "", log),
		ReaperTickInterval: time.Duration(getEnvAsInt("REAPER_TICK_SECONDS", 300, log)) * time.Second,
		ReapAge:            time.Duration(getEnvAsInt("REAP_AGE_MINUTES", 10080, log)) * time.Minute,

		GranuleIndexBaseURL: getEnv("GRANULE_INDEX_BASE_URL", "http://granule-index", log),
		PermissionBaseURL:   getEnv("PERMISSION_BASE_URL", "http://permission-service", log),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379", log),

		DeadLetterStreamName: getEnv("DEAD_LETTER_STREAM", "harmony:dead-letter", log),
		DeadLetterGroupName:  getEnv("DEAD_LETTER_GROUP", "harmony-workflow", log),
	}
	// The local-filesystem object store defaults to a directory under the
	// per-job scratch root.
	cfg.ObjectStoreLocalDir = getEnv("OBJECT_STORE_LOCAL_DIR", filepath.Join(cfg.HostVolumePath, "objects"), log)
	log.Debug("environment configuration loaded")
	return cfg
}
