package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// PipelineLock is a leased mutual-exclusion row. The unique index on
// ResourceID is the exclusion mechanism: acquisition is an insert that either
// lands or conflicts, never a read-then-write.
type PipelineLock struct {
	ResourceID string    `gorm:"column:resource_id;primaryKey" json:"resource_id"`
	HolderID   uuid.UUID `gorm:"type:uuid;column:holder_id;not null" json:"holder_id"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (PipelineLock) TableName() string { return "pipeline_lock" }

// Expired reports whether the lease has lapsed and the row is eligible for
// takeover.
func (l *PipelineLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
