package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/geoharmony/orchestrator/internal/apierr"
	"github.com/geoharmony/orchestrator/internal/repos"
)

const stacVersion = "1.0.0"

// stacLink is a STAC link object: rel plus href, with the optional
// title/type fields the catalog spec allows.
type stacLink struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

// stacCatalogView is the STAC Catalog (v1.0.0) a job's result set is
// exposed as: type/stac_version/id/description plus a links array carrying
// one rel="item" entry per data link on the page and self/prev/next
// navigation.
type stacCatalogView struct {
	Type        string     `json:"type"`
	StacVersion string     `json:"stac_version"`
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Links       []stacLink `json:"links"`
}

// stacItemView is the STAC Item (v1.0.0) behind one catalog entry: a
// GeoJSON Feature whose single "data" asset is the job output link at that
// index.
type stacItemView struct {
	Type        string                   `json:"type"`
	StacVersion string                   `json:"stac_version"`
	ID          string                   `json:"id"`
	Geometry    interface{}              `json:"geometry"`
	BBox        []float64                `json:"bbox,omitempty"`
	Properties  map[string]interface{}   `json:"properties"`
	Assets      map[string]stacItemAsset `json:"assets"`
	Links       []stacLink               `json:"links"`
}

type stacItemAsset struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

// StacCatalog handles GET /stac/:jobID?page=&limit=.
func (h *JobHandler) StacCatalog(c *gin.Context) {
	jobID, err := parseJobID(c.Param("jobID"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if _, err := h.authorizeRead(c, jobID); err != nil {
		RespondError(c, err)
		return
	}

	page, limit, err := parseStacPaging(c, h.defaultPageSize)
	if err != nil {
		RespondError(c, err)
		return
	}
	linkType, err := parseLinkType(c)
	if err != nil {
		RespondError(c, err)
		return
	}

	links, total, err := h.links.ForJob(c.Request.Context(), nil, jobID, repos.Page{Limit: limit, Offset: (page - 1) * limit}, "data", false)
	if err != nil {
		RespondError(c, apierr.Service(err))
		return
	}
	if page > 1 && int64((page-1)*limit) >= total {
		RespondError(c, apierr.Validationf("The requested paging parameters were out of bounds"))
		return
	}

	out := stacCatalogView{
		Type:        "Catalog",
		StacVersion: stacVersion,
		ID:          jobID.String(),
		Description: fmt.Sprintf("Outputs for job %s", jobID),
		Links: []stacLink{
			{Rel: "self", Href: c.Request.URL.String()},
			{Rel: "root", Href: c.Request.URL.Path},
		},
	}
	for i, l := range links {
		index := (page-1)*limit + i + 1
		href := fmt.Sprintf("%s/%d", c.Request.URL.Path, index)
		if linkType != "" {
			href += "?linkType=" + linkType
		}
		out.Links = append(out.Links, stacLink{
			Rel:   "item",
			Href:  href,
			Title: l.Title,
			Type:  "application/json",
		})
	}
	if int64(page*limit) < total {
		out.Links = append(out.Links, stacLink{Rel: "next", Href: stacPageHref(c, page+1, limit)})
	}
	if page > 1 {
		out.Links = append(out.Links, stacLink{Rel: "prev", Href: stacPageHref(c, page-1, limit)})
	}

	RespondOK(c, out)
}

// StacItem handles GET /stac/:jobID/:index, a 1-based index into the job's
// data links in the same order the catalog endpoint lists them.
func (h *JobHandler) StacItem(c *gin.Context) {
	jobID, err := parseJobID(c.Param("jobID"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if _, err := h.authorizeRead(c, jobID); err != nil {
		RespondError(c, err)
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 1 {
		RespondError(c, apierr.Validationf("item index must be a positive integer"))
		return
	}
	linkType, err := parseLinkType(c)
	if err != nil {
		RespondError(c, err)
		return
	}

	links, total, err := h.links.ForJob(c.Request.Context(), nil, jobID, repos.Page{Limit: 1, Offset: index - 1}, "data", false)
	if err != nil {
		RespondError(c, apierr.Service(err))
		return
	}
	if int64(index) > total || len(links) == 0 {
		RespondError(c, apierr.Validationf("The requested paging parameters were out of bounds"))
		return
	}
	link := links[0]
	rendered := h.renderLink(link, linkType)

	parent := strings.TrimSuffix(c.Request.URL.Path, "/"+c.Param("index"))
	out := stacItemView{
		Type:        "Feature",
		StacVersion: stacVersion,
		ID:          fmt.Sprintf("%s_%d", jobID, index),
		Geometry:    nil,
		BBox:        parseBBoxString(link.BBox),
		Properties:  stacItemProperties(link.Temporal),
		Assets: map[string]stacItemAsset{
			"data": {Href: rendered.Href, Title: link.Title, Type: link.Type},
		},
		Links: []stacLink{
			{Rel: "self", Href: c.Request.URL.String()},
			{Rel: "parent", Href: parent},
		},
	}

	RespondOK(c, out)
}

// parseLinkType validates the ?linkType= selector against the documented
// enum; an empty value means the http(s) default.
func parseLinkType(c *gin.Context) (string, error) {
	lt := c.Query("linkType")
	switch lt {
	case "", "http", "https", "s3", "none":
		return lt, nil
	}
	return "", apierr.Validationf("Invalid linkType %q must be 'http', 'https', 's3', or 'none'", lt)
}

// parseBBoxString decodes the stored "west,south,east,north" form into the
// numeric array a STAC Item carries; a missing or malformed value yields
// none.
func parseBBoxString(raw string) []float64 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil
	}
	out := make([]float64, 0, 4)
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// stacItemProperties maps the stored temporal interval ("start/end", either
// side possibly empty) onto STAC datetime properties. STAC requires the
// datetime key to be present, null when only a range (or nothing) is known.
func stacItemProperties(temporal string) map[string]interface{} {
	props := map[string]interface{}{"datetime": nil}
	if temporal == "" {
		return props
	}
	parts := strings.SplitN(temporal, "/", 2)
	if parts[0] != "" {
		props["start_datetime"] = parts[0]
	}
	if len(parts) == 2 && parts[1] != "" {
		props["end_datetime"] = parts[1]
	}
	return props
}

// parseStacPaging parses ?page=&limit=, bounding limit to
// [1, maxStacPageSize].
const maxStacPageSize = 10000

func parseStacPaging(c *gin.Context, defaultLimit int) (page, limit int, err error) {
	page = 1
	limit = defaultLimit
	if q := c.Query("page"); q != "" {
		n, parseErr := strconv.Atoi(q)
		if parseErr != nil || n < 1 {
			return 0, 0, apierr.Validationf("page must be a positive integer")
		}
		page = n
	}
	if q := c.Query("limit"); q != "" {
		n, parseErr := strconv.Atoi(q)
		if parseErr != nil || n < 1 || n > maxStacPageSize {
			return 0, 0, apierr.Validationf("limit must be an integer between 1 and %d", maxStacPageSize)
		}
		limit = n
	}
	return page, limit, nil
}

func stacPageHref(c *gin.Context, page, limit int) string {
	u := *c.Request.URL
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String()
}
