package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobLink is one output link of a job, persisted separately from Job and
// keyed by JobID instead of being stored as inline JSON on the Job row.
type JobLink struct {
	ID    uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID uuid.UUID `gorm:"type:uuid;not null;index" json:"-"`

	Href string `gorm:"column:href;not null" json:"href"`
	// Key is the raw object-store key Href was signed from, kept alongside
	// the signed URL so the HTTP layer can rewrite a link's representation
	// per the linkType selector without re-deriving it from the href.
	Key   string `gorm:"column:key" json:"-"`
	Title string `gorm:"column:title" json:"title,omitempty"`
	Type string `gorm:"column:type" json:"type,omitempty"`
	Rel  string `gorm:"column:rel;not null;index" json:"rel"`

	BBox       string `gorm:"column:bbox" json:"bbox,omitempty"`
	Temporal   string `gorm:"column:temporal" json:"temporal,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"-"`
}

func (JobLink) TableName() string { return "job_links" }

// HasSpatioTemporalMetadata reports whether this link carries a bbox or a
// temporal interval, the spatio-temporal filter predicate of link reads.
func (l JobLink) HasSpatioTemporalMetadata() bool {
	return l.BBox != "" || l.Temporal != ""
}
