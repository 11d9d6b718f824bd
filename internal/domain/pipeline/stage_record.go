package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Stage record statuses.
const (
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// StageExecutionRecord is the append-only history of one stage's attempt
// sequence within an execution. Retries of the same stage bump RetryCount on
// one record; a record is written only when the sequence concludes.
type StageExecutionRecord struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID uuid.UUID  `gorm:"type:uuid;column:execution_id;not null;index" json:"execution_id"`
	StageID     string     `gorm:"column:stage_id;not null" json:"stage_id"`
	StageName   string     `gorm:"column:stage_name;not null" json:"stage_name"`
	StageIndex  int        `gorm:"column:stage_index;not null" json:"stage_index"`
	Status      string     `gorm:"column:status;not null;index" json:"status"`
	RetryCount  int        `gorm:"column:retry_count;not null" json:"retry_count"`
	Error       string     `gorm:"column:error" json:"error,omitempty"`
	StartedAt   time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationMs  *int64     `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
}

func (StageExecutionRecord) TableName() string { return "pipeline_stage_record" }
