package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PipelineCheckpoint is the durable snapshot of one stage's output. Resume
// loads the highest StageIndex row; rows are never mutated, only superseded
// by a later stage's checkpoint.
type PipelineCheckpoint struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID uuid.UUID      `gorm:"type:uuid;column:execution_id;not null;index:idx_checkpoint_exec_stage,priority:1" json:"execution_id"`
	StageID     string         `gorm:"column:stage_id;not null" json:"stage_id"`
	StageIndex  int            `gorm:"column:stage_index;not null;index:idx_checkpoint_exec_stage,priority:2" json:"stage_index"`
	Output      datatypes.JSON `gorm:"column:output;type:jsonb" json:"output"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (PipelineCheckpoint) TableName() string { return "pipeline_checkpoint" }
