// Package permission wraps the external permission service the share-gate
// consults: EULA requirements and guest-read access, per collection.
package permission

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

type Client interface {
	// HasEULA reports, per collection id, whether the collection requires
	// EULA acceptance. A collection missing from the response is treated by
	// the caller as restricted.
	HasEULA(ctx context.Context, collectionIDs []string) (map[string]bool, error)

	// GuestReadable reports, per collection id, whether guest (non-owner,
	// non-permission-holder) reads are allowed.
	GuestReadable(ctx context.Context, collectionIDs []string) (map[string]bool, error)

	// UserCanRead reports whether user has an explicit read grant on
	// collection.
	UserCanRead(ctx context.Context, user, collectionID string) (bool, error)
}

type client struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(log *logger.Logger, baseURL string) Client {
	cbLog := log.With("client", "PermissionClient")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "permission-service",
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
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: cb,
	}
}

func (c *client) HasEULA(ctx context.Context, collectionIDs []string) (map[string]bool, error) {
	var out map[string]bool
	if err := c.postJSON(ctx, "/collections/eula", map[string]interface{}{"collectionIds": collectionIDs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GuestReadable(ctx context.Context, collectionIDs []string) (map[string]bool, error) {
	var out map[string]bool
	if err := c.postJSON(ctx, "/collections/guest-read", map[string]interface{}{"collectionIds": collectionIDs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) UserCanRead(ctx context.Context, user, collectionID string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	err := c.postJSON(ctx, "/permissions/read", map[string]interface{}{"user": user, "collectionId": collectionID}, &out)
	if err != nil {
		return false, err
	}
	return out.Allowed, nil
}

func (c *client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.postJSONOnce(ctx, path, body, out)
	})
	if err != nil {
		return fmt.Errorf("permission-service %s: %w", path, err)
	}
	return nil
}

func (c *client) postJSONOnce(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
