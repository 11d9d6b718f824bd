package pipeline

import (
	"errors"
	"fmt"
)

// Error taxonomy. The engine absorbs stage-level failures in its retry loop;
// only these sentinels cross the engine boundary as Go errors. Everything
// else surfaces as a structured ExecutionResult.
var (
	// ErrPipelineNotFound is returned synchronously for an unknown pipeline
	// type. Fatal, never retried.
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrLockContention means another execution already owns the resource.
	// The core never queues; the caller decides what to do.
	ErrLockContention = errors.New("pipeline lock contention")
	// ErrStageTimeout marks a stage attempt that exceeded its timeout. It is
	// retried like any stage failure.
	ErrStageTimeout = errors.New("stage timed out")
	// ErrInterrupted is the interruption class: process shutdown or a lost
	// lease mid-run. Only this class is eligible for automatic resume.
	ErrInterrupted = errors.New("execution interrupted")
	// ErrCheckpointCorrupt means a loaded checkpoint failed shape
	// validation. The execution fails rather than silently restarting from
	// stage zero and duplicating side effects.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrInvalidTransition is rejected by the execution state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrExecutionNotFound is returned by control operations for unknown ids.
	ErrExecutionNotFound = errors.New("execution not found")
)

// StageError wraps the last error of an exhausted attempt sequence with the
// stage it came from.
type StageError struct {
	StageID  string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed after %d attempts: %v", e.StageID, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Interrupted reports whether err belongs to the interruption class that the
// auto-recovery wrapper may resume from.
func Interrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
