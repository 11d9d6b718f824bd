package domain

import (
	"github.com/inkforge/inkforge-backend/internal/domain/pipeline"
)

const (
	StatusPending   = pipeline.StatusPending
	StatusRunning   = pipeline.StatusRunning
	StatusPaused    = pipeline.StatusPaused
	StatusCompleted = pipeline.StatusCompleted
	StatusFailed    = pipeline.StatusFailed
	StatusCancelled = pipeline.StatusCancelled

	StageCompleted = pipeline.StageCompleted
	StageFailed    = pipeline.StageFailed

	EventExecutionStarted   = pipeline.EventExecutionStarted
	EventExecutionCompleted = pipeline.EventExecutionCompleted
	EventExecutionFailed    = pipeline.EventExecutionFailed
	EventExecutionCancelled = pipeline.EventExecutionCancelled
	EventExecutionPaused    = pipeline.EventExecutionPaused
	EventExecutionResumed   = pipeline.EventExecutionResumed
	EventStageStarted       = pipeline.EventStageStarted
	EventStageProgress      = pipeline.EventStageProgress
	EventStageCompleted     = pipeline.EventStageCompleted
	EventStageFailed        = pipeline.EventStageFailed
)

var TerminalStatuses = pipeline.TerminalStatuses

type (
	PipelineExecution    = pipeline.PipelineExecution
	StageExecutionRecord = pipeline.StageExecutionRecord
	PipelineCheckpoint   = pipeline.PipelineCheckpoint
	PipelineLock         = pipeline.PipelineLock
	PipelineEvent        = pipeline.PipelineEvent
)
