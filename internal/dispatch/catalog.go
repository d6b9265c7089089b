package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/geoharmony/orchestrator/internal/objectstore"
)

// catalog is a deliberately minimal STAC-catalog-like document: just the
// item URIs a step's output carries plus prev/next paging links, the
// smallest shape the aggregation step needs to page through item sets the
// same way STAC's own paginated catalogs do.
type catalog struct {
	Items []string       `json:"items"`
	Links []catalogLink  `json:"links,omitempty"`
}

type catalogLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

func (c catalog) nextHref() string {
	for _, l := range c.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

func readCatalog(ctx context.Context, store objectstore.Store, key string) (catalog, error) {
	rc, err := store.GetObject(ctx, key)
	if err != nil {
		return catalog{}, fmt.Errorf("get catalog %s: %w", key, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return catalog{}, fmt.Errorf("read catalog %s: %w", key, err)
	}
	var c catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return catalog{}, fmt.Errorf("decode catalog %s: %w", key, err)
	}
	return c, nil
}

func writeCatalog(ctx context.Context, store objectstore.Store, key string, c catalog) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode catalog %s: %w", key, err)
	}
	return store.PutObject(ctx, key, bytes.NewReader(raw), "application/json")
}

// paginateCatalogs splits items into a linked sequence of catalogs of at
// most pageSize items each, the first with no prev link and the last with
// no next link. A single page with no items still produces
// one catalog.
func paginateCatalogs(keyForPage func(pageIndex int) string, items []string, pageSize int) []catalog {
	if pageSize <= 0 || len(items) <= pageSize {
		return []catalog{{Items: items}}
	}

	var pages [][]string
	for start := 0; start < len(items); start += pageSize {
		end := start + pageSize
		if end > len(items) {
			end = len(items)
		}
		pages = append(pages, items[start:end])
	}

	catalogs := make([]catalog, len(pages))
	for i, page := range pages {
		c := catalog{Items: page}
		if i > 0 {
			c.Links = append(c.Links, catalogLink{Rel: "prev", Href: keyForPage(i - 1)})
		}
		if i < len(pages)-1 {
			c.Links = append(c.Links, catalogLink{Rel: "next", Href: keyForPage(i + 1)})
		}
		catalogs[i] = c
	}
	return catalogs
}
