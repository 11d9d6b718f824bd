package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event types emitted by the engine. Events are appended after the
// transition they describe is durably persisted, never before.
const (
	EventExecutionStarted   = "execution:started"
	EventExecutionCompleted = "execution:completed"
	EventExecutionFailed    = "execution:failed"
	EventExecutionCancelled = "execution:cancelled"
	EventExecutionPaused    = "execution:paused"
	EventExecutionResumed   = "execution:resumed"
	EventStageStarted       = "stage:started"
	EventStageProgress      = "stage:progress"
	EventStageCompleted     = "stage:completed"
	EventStageFailed        = "stage:failed"
)

// PipelineEvent is the append-only, time-ordered observer feed. Seq gives
// pollers a strictly increasing resume point.
type PipelineEvent struct {
	Seq          int64          `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	ExecutionID  uuid.UUID      `gorm:"type:uuid;column:execution_id;not null;index" json:"execution_id"`
	PipelineType string         `gorm:"column:pipeline_type;not null;index" json:"pipeline_type"`
	EventType    string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Data         datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
}

func (PipelineEvent) TableName() string { return "pipeline_event" }
