package config

import (
	"testing"
	"time"

	"github.com/geoharmony/orchestrator/internal/logger"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(logger.Noop())

	if cfg.WorkItemRetryLimit != 3 {
		t.Fatalf("expected default retry limit 3, got %d", cfg.WorkItemRetryLimit)
	}
	if cfg.FailDuration != 7_200_000*time.Millisecond {
		t.Fatalf("expected default failDuration 7200000ms, got %s", cfg.FailDuration)
	}
	if cfg.CMRMaxPageSize != 2000 {
		t.Fatalf("expected default cmrMaxPageSize 2000, got %d", cfg.CMRMaxPageSize)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WORK_ITEM_RETRY_LIMIT", "5")
	t.Setenv("AGGREGATE_STAC_CATALOG_MAX_PAGE_SIZE", "100")
	t.Setenv("HTTP_ADDR", ":8081")

	cfg := Load(logger.Noop())
	if cfg.WorkItemRetryLimit != 5 {
		t.Fatalf("expected retry limit from env, got %d", cfg.WorkItemRetryLimit)
	}
	if cfg.AggregateStacCatalogMaxPageSize != 100 {
		t.Fatalf("expected aggregate page size from env, got %d", cfg.AggregateStacCatalogMaxPageSize)
	}
	if cfg.HTTPAddr != ":8081" {
		t.Fatalf("expected http addr from env, got %s", cfg.HTTPAddr)
	}
}

func TestLoadFallsBackOnUnparsableInt(t *testing.T) {
	t.Setenv("WORK_ITEM_RETRY_LIMIT", "not-a-number")
	cfg := Load(logger.Noop())
	if cfg.WorkItemRetryLimit != 3 {
		t.Fatalf("expected fallback to default on bad int, got %d", cfg.WorkItemRetryLimit)
	}
}
