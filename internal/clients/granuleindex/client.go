// Package granuleindex wraps the external metadata catalog the first-stage
// "query-index" worker reads from. The core only needs paged
// catalog queries and a hit count; everything else about the catalog is
// opaque STAC the dispatch engine passes through unread.
package granuleindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/geoharmony/orchestrator/internal/logger"
)

// QueryResult is the paged/scrolled response the query-index worker consumes
// to build its output STAC catalogs.
type QueryResult struct {
	CatalogURIs []string `json:"catalogUris"`
	Hits        int      `json:"hits"`
	ScrollID    string   `json:"scrollID,omitempty"`
}

type Client interface {
	Query(ctx context.Context, collections []string, scrollID string, pageSize int) (*QueryResult, error)
}

type client struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(log *logger.Logger, baseURL string) Client {
	cbLog := log.With("client", "GranuleIndexClient")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "granule-index",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cbLog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &client{
		log:     cbLog,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: cb,
	}
}

func (c *client) Query(ctx context.Context, collections []string, scrollID string, pageSize int) (*QueryResult, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.queryOnce(ctx, collections, scrollID, pageSize)
	})
	if err != nil {
		return nil, fmt.Errorf("granule-index query: %w", err)
	}
	return result.(*QueryResult), nil
}

func (c *client) queryOnce(ctx context.Context, collections []string, scrollID string, pageSize int) (*QueryResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"collections": collections,
		"scrollID":    scrollID,
		"pageSize":    pageSize,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("granule-index http %d: %s", resp.StatusCode, string(raw))
	}

	var out QueryResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode granule-index response: %w", err)
	}
	return &out, nil
}
