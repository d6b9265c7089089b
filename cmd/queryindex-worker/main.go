// Command queryindex-worker is a sample external worker implementing the
// first pipeline stage: poll the core for query-index
// work, page the granule index, and report the resulting catalog back via
// update-work. It exercises internal/clients/granuleindex, which nothing in
// the core process itself calls (workers, not the core, talk to the granule
// index).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/geoharmony/orchestrator/internal/clients/granuleindex"
	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
)

const serviceID = "query-index"

// workItemView mirrors dispatch.WorkItemView's wire shape (the get-work
// response body); this worker lives outside the module that defines it.
type workItemView struct {
	ID                  uint64               `json:"id"`
	JobID               uuid.UUID            `json:"jobID"`
	ServiceID           string               `json:"serviceID"`
	WorkflowStepIndex   int                  `json:"workflowStepIndex"`
	StacCatalogLocation string               `json:"stacCatalogLocation,omitempty"`
	ScrollID            string               `json:"scrollID,omitempty"`
	Operation           domain.DataOperation `json:"operation"`
}

type getWorkResponse struct {
	WorkItem       workItemView `json:"workItem"`
	MaxCmrGranules *int         `json:"maxCmrGranules"`
}

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load(log)
	coreBaseURL := getenv("HARMONY_CORE_BASE_URL", "http://localhost:3000")
	pollInterval := 2 * time.Second

	client := granuleindex.New(log, cfg.GranuleIndexBaseURL)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting queryindex-worker", "coreBaseURL", coreBaseURL)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollOnce(ctx, log, httpClient, client, coreBaseURL, cfg.CMRMaxPageSize); err != nil {
				log.Warn("poll cycle failed", "error", err)
			}
		}
	}
}

func pollOnce(ctx context.Context, log *logger.Logger, httpClient *http.Client, index granuleindex.Client, coreBaseURL string, maxPageSize int) error {
	item, hint, err := getWork(ctx, httpClient, coreBaseURL)
	if err != nil {
		return fmt.Errorf("get-work: %w", err)
	}
	if item == nil {
		return nil
	}

	pageSize := maxPageSize
	if hint != nil && *hint < pageSize {
		pageSize = *hint
	}

	result, err := index.Query(ctx, item.Operation.Collections, item.ScrollID, pageSize)
	if err != nil {
		return reportFailure(ctx, httpClient, coreBaseURL, item.ID, err)
	}

	return reportSuccess(ctx, httpClient, coreBaseURL, item.ID, result)
}

func getWork(ctx context.Context, httpClient *http.Client, coreBaseURL string) (*workItemView, *int, error) {
	u := coreBaseURL + "/service/work?serviceID=" + url.QueryEscape(serviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d from get-work", resp.StatusCode)
	}

	var out getWorkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, err
	}
	return &out.WorkItem, out.MaxCmrGranules, nil
}

func reportSuccess(ctx context.Context, httpClient *http.Client, coreBaseURL string, itemID uint64, result *granuleindex.QueryResult) error {
	body := map[string]interface{}{
		"status":   domain.WorkItemSuccessful,
		"results":  result.CatalogURIs,
		"scrollID": result.ScrollID,
		"hits":     result.Hits,
	}
	return putUpdateWork(ctx, httpClient, coreBaseURL, itemID, body)
}

func reportFailure(ctx context.Context, httpClient *http.Client, coreBaseURL string, itemID uint64, cause error) error {
	body := map[string]interface{}{
		"status":       domain.WorkItemFailed,
		"errorMessage": cause.Error(),
	}
	return putUpdateWork(ctx, httpClient, coreBaseURL, itemID, body)
}

func putUpdateWork(ctx context.Context, httpClient *http.Client, coreBaseURL string, itemID uint64, body map[string]interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := path.Join("/service/work", fmt.Sprintf("%d", itemID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, coreBaseURL+u, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d from update-work", resp.StatusCode)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
