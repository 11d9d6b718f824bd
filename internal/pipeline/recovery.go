package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// HealthStatus is the advisory per-pipeline health view. Unhealthy never
// blocks new executions; it is a signal for operators and the dashboard.
type HealthStatus struct {
	PipelineType        string     `json:"pipeline_type"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRuns           int        `json:"total_runs"`
	TotalFailures       int        `json:"total_failures"`
	Recoveries          int        `json:"recoveries"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

type healthEntry struct {
	consecutive   int
	totalRuns     int
	totalFailures int
	recoveries    int
	lastSuccess   *time.Time
	lastFailure   *time.Time
}

// HealthTracker keeps in-memory per-pipeline-type failure streaks. A type
// goes unhealthy after threshold consecutive failures and recovers on the
// first success.
type HealthTracker struct {
	mu        sync.Mutex
	threshold int
	entries   map[string]*healthEntry
}

func NewHealthTracker(threshold int) *HealthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthTracker{threshold: threshold, entries: map[string]*healthEntry{}}
}

func (h *HealthTracker) entry(pipelineType string) *healthEntry {
	e := h.entries[pipelineType]
	if e == nil {
		e = &healthEntry{}
		h.entries[pipelineType] = e
	}
	return e
}

func (h *HealthTracker) RecordSuccess(pipelineType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(pipelineType)
	now := time.Now()
	e.totalRuns++
	e.consecutive = 0
	e.lastSuccess = &now
}

func (h *HealthTracker) RecordFailure(pipelineType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(pipelineType)
	now := time.Now()
	e.totalRuns++
	e.totalFailures++
	e.consecutive++
	e.lastFailure = &now
}

func (h *HealthTracker) RecordRecovery(pipelineType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(pipelineType).recoveries++
}

func (h *HealthTracker) Healthy(pipelineType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[pipelineType]
	return e == nil || e.consecutive < h.threshold
}

func (h *HealthTracker) Status(pipelineType string) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[pipelineType]
	if e == nil {
		return HealthStatus{PipelineType: pipelineType, Healthy: true}
	}
	return HealthStatus{
		PipelineType:        pipelineType,
		Healthy:             e.consecutive < h.threshold,
		ConsecutiveFailures: e.consecutive,
		TotalRuns:           e.totalRuns,
		TotalFailures:       e.totalFailures,
		Recoveries:          e.recoveries,
		LastSuccess:         e.lastSuccess,
		LastFailure:         e.lastFailure,
	}
}

func (h *HealthTracker) Snapshot() []HealthStatus {
	h.mu.Lock()
	types := make([]string, 0, len(h.entries))
	for t := range h.entries {
		types = append(types, t)
	}
	h.mu.Unlock()
	out := make([]HealthStatus, 0, len(types))
	for _, t := range types {
		out = append(out, h.Status(t))
	}
	return out
}

// RecoveryResult is the wrapper's outcome: the engine result plus whether an
// automatic resume happened along the way.
type RecoveryResult struct {
	Success     bool           `json:"success"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Recovered   bool           `json:"recovered"`
}

// Executor is the slice of the engine the recovery wrapper needs.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error)
}

// RecoveryRunner wraps Engine.Execute with interruption classification:
// interruptions (shutdown, lost lease) get a bounded number of
// resume-from-checkpoint attempts; every other error propagates untouched.
type RecoveryRunner struct {
	engine Executor
	health *HealthTracker
	log    *logger.Logger

	// MaxResumeAttempts bounds automatic resumes per call.
	MaxResumeAttempts int
	// ResumeDelay spaces the resume from the interruption it reacts to.
	ResumeDelay time.Duration
}

func NewRecoveryRunner(engine Executor, health *HealthTracker, baseLog *logger.Logger) *RecoveryRunner {
	return &RecoveryRunner{
		engine:            engine,
		health:            health,
		log:               baseLog.With("component", "RecoveryRunner"),
		MaxResumeAttempts: 1,
		ResumeDelay:       2 * time.Second,
	}
}

// ExecuteWithAutoRecovery runs the pipeline and, if the run is interrupted,
// resumes it from its last checkpoint. Genuine failures (retries exhausted,
// corrupt checkpoint, unknown pipeline) are never re-run here.
func (r *RecoveryRunner) ExecuteWithAutoRecovery(ctx context.Context, req ExecuteRequest) (*RecoveryResult, error) {
	recovered := false
	resumes := 0

	if r.health != nil && !r.health.Healthy(req.PipelineType) {
		st := r.health.Status(req.PipelineType)
		r.log.Warn("pipeline unhealthy, attempting anyway",
			"pipeline_type", req.PipelineType,
			"consecutive_failures", st.ConsecutiveFailures)
	}

	res, err := r.engine.Execute(ctx, req)
	for err != nil && Interrupted(err) && resumes < r.MaxResumeAttempts {
		if ctx.Err() != nil {
			break
		}
		resumes++
		execID := uuid.Nil
		if res != nil {
			execID = res.ExecutionID
		}
		if execID == uuid.Nil {
			break
		}
		r.log.Warn("execution interrupted, resuming from checkpoint",
			"execution_id", execID, "attempt", resumes, "error", err)
		select {
		case <-time.After(r.ResumeDelay):
		case <-ctx.Done():
			return r.finish(req.PipelineType, res, err, recovered)
		}
		res, err = r.engine.Execute(ctx, ExecuteRequest{
			PipelineType:         req.PipelineType,
			ExecutionID:          execID,
			ResumeFromCheckpoint: true,
			OnEvent:              req.OnEvent,
		})
		if err == nil && r.health != nil {
			recovered = true
			r.health.RecordRecovery(req.PipelineType)
		}
	}
	return r.finish(req.PipelineType, res, err, recovered)
}

func (r *RecoveryRunner) finish(pipelineType string, res *ExecutionResult, err error, recovered bool) (*RecoveryResult, error) {
	if err != nil {
		// Contention is not a run outcome; everything else in the synchronous
		// taxonomy counts against health.
		if r.health != nil && !errors.Is(err, ErrLockContention) {
			r.health.RecordFailure(pipelineType)
		}
		return nil, err
	}
	out := &RecoveryResult{
		ExecutionID: res.ExecutionID,
		Status:      res.Status,
		Output:      res.Output,
		Error:       res.Error,
		Recovered:   recovered,
		Success:     res.Status == types.StatusCompleted,
	}
	// Paused and cancelled runs are neither successes nor failures.
	if r.health != nil {
		switch res.Status {
		case types.StatusCompleted:
			r.health.RecordSuccess(pipelineType)
		case types.StatusFailed:
			r.health.RecordFailure(pipelineType)
		}
	}
	return out, nil
}
