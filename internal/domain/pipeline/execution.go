package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Execution statuses. Transitions are enforced by the engine's state
// machine, never written ad hoc.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TerminalStatuses are the statuses an execution can never leave.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusCancelled}

// PipelineExecution is one run of a pipeline against a novel. The row is the
// durable side of the execution state machine: status, stage pointer and the
// accumulated pipeline context all live here so a restarted worker can pick
// the run back up.
type PipelineExecution struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	PipelineType string         `gorm:"column:pipeline_type;not null;index" json:"pipeline_type"`
	NovelID      uuid.UUID      `gorm:"type:uuid;column:novel_id;not null;index" json:"novel_id"`
	ChapterID    *uuid.UUID     `gorm:"type:uuid;column:chapter_id;index" json:"chapter_id,omitempty"`
	UserID       uuid.UUID      `gorm:"type:uuid;column:user_id;not null;index" json:"user_id"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStage string         `gorm:"column:current_stage" json:"current_stage"`
	StageIndex   int            `gorm:"column:stage_index;not null" json:"stage_index"`
	Progress     int            `gorm:"column:progress;not null" json:"progress"`
	Message      string         `gorm:"column:message" json:"message,omitempty"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	Config       datatypes.JSON `gorm:"column:config;type:jsonb" json:"config"`
	Input        datatypes.JSON `gorm:"column:input;type:jsonb" json:"input"`
	Context      datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`
	LockedAt     *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt  *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time     `gorm:"column:started_at;index" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationMs   *int64         `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineExecution) TableName() string { return "pipeline_execution" }

// Terminal reports whether the execution can never transition again.
func (e *PipelineExecution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
