package repos

import (
	"gorm.io/gorm"

	"github.com/inkforge/inkforge-backend/internal/data/repos/pipeline"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

type ExecutionRepo = pipeline.ExecutionRepo
type StageRecordRepo = pipeline.StageRecordRepo
type CheckpointRepo = pipeline.CheckpointRepo
type LockRepo = pipeline.LockRepo
type EventRepo = pipeline.EventRepo

type Cursor = pipeline.Cursor

// Set bundles every repo the pipeline runtime needs. Built once in wiring,
// passed around as a unit.
type Set struct {
	Executions   ExecutionRepo
	StageRecords StageRecordRepo
	Checkpoints  CheckpointRepo
	Locks        LockRepo
	Events       EventRepo
}

func NewSet(db *gorm.DB, log *logger.Logger) *Set {
	return &Set{
		Executions:   pipeline.NewExecutionRepo(db, log),
		StageRecords: pipeline.NewStageRecordRepo(db, log),
		Checkpoints:  pipeline.NewCheckpointRepo(db, log),
		Locks:        pipeline.NewLockRepo(db, log),
		Events:       pipeline.NewEventRepo(db, log),
	}
}
