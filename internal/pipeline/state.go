package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	types "github.com/inkforge/inkforge-backend/internal/domain"
)

// ExecutionState is the in-memory side of the execution state machine. It
// owns the accumulated pipeline context and is the single authority on
// whether a transition is legal; the engine persists what it decides.
type ExecutionState struct {
	exec *types.PipelineExecution
	def  *Definition
	pctx map[string]any
}

func NewExecutionState(exec *types.PipelineExecution, def *Definition) (*ExecutionState, error) {
	if exec == nil {
		return nil, fmt.Errorf("nil execution")
	}
	if def == nil {
		return nil, fmt.Errorf("nil definition")
	}
	pctx := map[string]any{}
	if len(exec.Context) > 0 && string(exec.Context) != "null" {
		if err := json.Unmarshal(exec.Context, &pctx); err != nil {
			return nil, fmt.Errorf("decode execution context: %w", err)
		}
	}
	return &ExecutionState{exec: exec, def: def, pctx: pctx}, nil
}

func (s *ExecutionState) Execution() *types.PipelineExecution { return s.exec }
func (s *ExecutionState) Status() string                      { return s.exec.Status }
func (s *ExecutionState) StageIndex() int                     { return s.exec.StageIndex }
func (s *ExecutionState) Terminal() bool                      { return s.exec.Terminal() }

// Context returns a copy of the accumulated pipeline context. Stages get
// this copy; only MergeOutput mutates the canonical map.
func (s *ExecutionState) Context() map[string]any {
	out := make(map[string]any, len(s.pctx))
	for k, v := range s.pctx {
		out[k] = v
	}
	return out
}

// MergeOutput folds a stage's output into the pipeline context.
func (s *ExecutionState) MergeOutput(out map[string]any) {
	for k, v := range out {
		s.pctx[k] = v
	}
}

func (s *ExecutionState) ContextJSON() datatypes.JSON {
	b, _ := json.Marshal(s.pctx)
	return datatypes.JSON(b)
}

// Start moves pending -> running and stamps StartedAt.
func (s *ExecutionState) Start() error {
	if s.exec.Status != types.StatusPending {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, s.exec.Status)
	}
	now := time.Now()
	s.exec.Status = types.StatusRunning
	s.exec.StartedAt = &now
	if st := s.def.StageAt(s.exec.StageIndex); st != nil {
		s.exec.CurrentStage = st.ID
	}
	return nil
}

// Advance moves the stage pointer forward by one. Legal only while running.
func (s *ExecutionState) Advance() error {
	if s.exec.Status != types.StatusRunning {
		return fmt.Errorf("%w: advance while %s", ErrInvalidTransition, s.exec.Status)
	}
	s.exec.StageIndex++
	if st := s.def.StageAt(s.exec.StageIndex); st != nil {
		s.exec.CurrentStage = st.ID
	} else {
		s.exec.CurrentStage = ""
	}
	return nil
}

// SetStageIndex positions the pointer directly; used for checkpoint resume.
func (s *ExecutionState) SetStageIndex(i int) {
	s.exec.StageIndex = i
	if st := s.def.StageAt(i); st != nil {
		s.exec.CurrentStage = st.ID
	} else {
		s.exec.CurrentStage = ""
	}
}

// Pause toggles running -> paused. Pausing a paused execution is a no-op.
func (s *ExecutionState) Pause() error {
	switch s.exec.Status {
	case types.StatusPaused:
		return nil
	case types.StatusRunning:
		s.exec.Status = types.StatusPaused
		return nil
	default:
		return fmt.Errorf("%w: %s -> paused", ErrInvalidTransition, s.exec.Status)
	}
}

// Resume toggles paused -> running. It does not re-run the stage already
// recorded as succeeded; execution picks up at the current stage pointer.
func (s *ExecutionState) Resume() error {
	switch s.exec.Status {
	case types.StatusRunning:
		return nil
	case types.StatusPaused:
		s.exec.Status = types.StatusRunning
		return nil
	default:
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, s.exec.Status)
	}
}

// Complete moves running -> completed and stamps duration.
func (s *ExecutionState) Complete() error {
	if s.exec.Status != types.StatusRunning {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, s.exec.Status)
	}
	now := time.Now()
	s.exec.Status = types.StatusCompleted
	s.exec.CompletedAt = &now
	if s.exec.StartedAt != nil {
		ms := now.Sub(*s.exec.StartedAt).Milliseconds()
		s.exec.DurationMs = &ms
	}
	s.exec.Error = ""
	return nil
}

// Fail moves running|paused -> failed and records the error verbatim.
func (s *ExecutionState) Fail(msg string) error {
	switch s.exec.Status {
	case types.StatusRunning, types.StatusPaused:
	default:
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, s.exec.Status)
	}
	now := time.Now()
	s.exec.Status = types.StatusFailed
	s.exec.CompletedAt = &now
	if s.exec.StartedAt != nil {
		ms := now.Sub(*s.exec.StartedAt).Milliseconds()
		s.exec.DurationMs = &ms
	}
	s.exec.Error = msg
	return nil
}

// Cancel moves any non-terminal state -> cancelled. Cancelling a terminal
// execution is a no-op, not an error.
func (s *ExecutionState) Cancel() error {
	if s.exec.Terminal() {
		return nil
	}
	now := time.Now()
	s.exec.Status = types.StatusCancelled
	s.exec.CompletedAt = &now
	if s.exec.StartedAt != nil {
		ms := now.Sub(*s.exec.StartedAt).Milliseconds()
		s.exec.DurationMs = &ms
	}
	s.exec.Error = ""
	return nil
}
