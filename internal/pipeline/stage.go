package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// StageType tags a stage with its domain category. The engine dispatches on
// the Run capability only; the tag exists for history and metrics.
type StageType string

const (
	StageTypeSetup      StageType = "setup"
	StageTypeGeneration StageType = "generation"
	StageTypeReview     StageType = "review"
)

// Stage is one ordered unit of work in a pipeline. Stateless across
// invocations: all per-run state arrives in the StageContext and leaves in
// the StageResult. Adding a new stage kind never touches the engine.
type Stage struct {
	ID                string
	Name              string
	Type              StageType
	SupportsStreaming bool
	Run               func(ctx context.Context, sc *StageContext) (*StageResult, error)
}

// StageResult carries a stage's output payload. The engine merges Output
// into the pipeline context on success; failure is the returned error.
type StageResult struct {
	Output map[string]any
}

// ProgressReporter is the stage-side progress surface. Report persists
// percent/message onto the execution row; Token fans streamed chunks out to
// live observers without persistence.
type ProgressReporter interface {
	Report(pct int, msg string)
	Step(name string)
	Token(chunk string)
}

// StageContext is the ephemeral per-invocation contract between engine and
// stage. Context is a read view of the outputs accumulated by earlier stages
// in this execution; stages contribute through their StageResult, never by
// mutating the view.
type StageContext struct {
	ExecutionID  uuid.UUID
	PipelineType string
	NovelID      uuid.UUID
	ChapterID    *uuid.UUID
	UserID       uuid.UUID
	Input        map[string]any
	Context      map[string]any
	Config       ExecutionConfig
	Log          *logger.Logger
	Progress     ProgressReporter
}

// ExecutionConfig is the merged execution policy of one run. Durations are
// persisted as milliseconds alongside the execution row.
type ExecutionConfig struct {
	MaxRetries         int   `json:"max_retries"`
	RetryDelayMs       int64 `json:"retry_delay_ms"`
	ExponentialBackoff bool  `json:"exponential_backoff"`
	TimeoutMs          int64 `json:"timeout_ms"`
	EnableCheckpoints  bool  `json:"enable_checkpoints"`
	EnableParallel     bool  `json:"enable_parallel"`
}

func (c ExecutionConfig) RetryDelay() time.Duration { return time.Duration(c.RetryDelayMs) * time.Millisecond }
func (c ExecutionConfig) Timeout() time.Duration    { return time.Duration(c.TimeoutMs) * time.Millisecond }

// DefaultConfig matches the policy most pipelines register with.
func DefaultConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxRetries:         2,
		RetryDelayMs:       1000,
		ExponentialBackoff: true,
		TimeoutMs:          180_000,
		EnableCheckpoints:  true,
	}
}

// ConfigOverrides carries per-run policy overrides. Nil fields keep the
// pipeline defaults.
type ConfigOverrides struct {
	MaxRetries         *int   `json:"max_retries,omitempty"`
	RetryDelayMs       *int64 `json:"retry_delay_ms,omitempty"`
	ExponentialBackoff *bool  `json:"exponential_backoff,omitempty"`
	TimeoutMs          *int64 `json:"timeout_ms,omitempty"`
	EnableCheckpoints  *bool  `json:"enable_checkpoints,omitempty"`
}

func (c ExecutionConfig) merge(o *ConfigOverrides) ExecutionConfig {
	if o == nil {
		return c
	}
	out := c
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		out.MaxRetries = *o.MaxRetries
	}
	if o.RetryDelayMs != nil && *o.RetryDelayMs > 0 {
		out.RetryDelayMs = *o.RetryDelayMs
	}
	if o.ExponentialBackoff != nil {
		out.ExponentialBackoff = *o.ExponentialBackoff
	}
	if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
		out.TimeoutMs = *o.TimeoutMs
	}
	if o.EnableCheckpoints != nil {
		out.EnableCheckpoints = *o.EnableCheckpoints
	}
	return out
}

// Definition is an immutable ordered stage list plus default policy,
// registered once at process start and looked up by type.
type Definition struct {
	ID       string
	Name     string
	Stages   []Stage
	Defaults ExecutionConfig
}

// StageAt returns the stage at index, or nil past the end.
func (d *Definition) StageAt(i int) *Stage {
	if d == nil || i < 0 || i >= len(d.Stages) {
		return nil
	}
	return &d.Stages[i]
}
