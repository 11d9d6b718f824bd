package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/inkforge/inkforge-backend/internal/data/repos"
	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// Notifier fans persisted events out to live observers. Publish failures
// must never fail an execution.
type Notifier interface {
	EventPublished(ctx context.Context, ev *types.PipelineEvent)
}

// ExecuteRequest is the trigger-in boundary. ExecutionID is set when the
// caller already owns a persisted row (dispatcher claim, resume); left nil a
// fresh pending execution is created.
type ExecuteRequest struct {
	PipelineType         string
	NovelID              uuid.UUID
	UserID               uuid.UUID
	ChapterID            *uuid.UUID
	Input                map[string]any
	Overrides            *ConfigOverrides
	ExecutionID          uuid.UUID
	ResumeFromCheckpoint bool
	OnEvent              func(ev *types.PipelineEvent)
}

// ExecutionResult is the structured outcome of one Execute call. Stage
// failures land here, not in the returned error; only the synchronous
// taxonomy (PipelineNotFound, LockContention, Interrupted,
// CheckpointCorrupt) crosses as a Go error.
type ExecutionResult struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Engine drives pipeline executions: lock, state machine, stage loop with
// retry and checkpoints, events. One Engine serves many concurrent
// executions; the per-resource lock is the only serialization point.
type Engine struct {
	log      *logger.Logger
	repos    *repos.Set
	registry *Registry
	notify   Notifier
	tracer   trace.Tracer

	// LockTTL is the lease length; renewed at every stage boundary.
	LockTTL time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

func NewEngine(rs *repos.Set, registry *Registry, notify Notifier, baseLog *logger.Logger) *Engine {
	return &Engine{
		log:      baseLog.With("component", "PipelineEngine"),
		repos:    rs,
		registry: registry,
		notify:   notify,
		tracer:   otel.Tracer("inkforge/pipeline"),
		LockTTL:  2 * time.Minute,
		running:  map[uuid.UUID]context.CancelFunc{},
	}
}

// ResourceID is the mutual-exclusion key: one live execution per
// (pipelineType, novelID).
func ResourceID(pipelineType string, novelID uuid.UUID) string {
	return fmt.Sprintf("pipeline:%s:novel:%s", pipelineType, novelID)
}

// Execute runs (or resumes) one pipeline execution to a terminal or paused
// state. It blocks for the duration of the run.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	def := e.registry.Get(req.PipelineType)
	if def == nil {
		return nil, fmt.Errorf("pipeline type %q: %w", req.PipelineType, ErrPipelineNotFound)
	}
	dbc := dbctx.Context{Ctx: ctx}

	var exec *types.PipelineExecution
	if req.ExecutionID != uuid.Nil {
		row, err := e.repos.Executions.GetByID(dbc, req.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("load execution: %w", err)
		}
		if row == nil {
			return nil, fmt.Errorf("execution %s: %w", req.ExecutionID, ErrExecutionNotFound)
		}
		exec = row
		req.NovelID = row.NovelID
		req.UserID = row.UserID
		req.ChapterID = row.ChapterID
		if row.Terminal() {
			return resultFromRow(row), nil
		}
	}
	if req.NovelID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing novel id", ErrInvalidTransition)
	}

	cfg := e.effectiveConfig(def, exec, req.Overrides)
	execID := req.ExecutionID
	if execID == uuid.Nil {
		execID = uuid.New()
	}

	resourceID := ResourceID(req.PipelineType, req.NovelID)
	acquired, err := e.repos.Locks.Acquire(dbc, resourceID, execID, e.lockTTL(cfg))
	if err != nil {
		// Fail closed: an ambiguous store error never counts as acquired.
		return nil, fmt.Errorf("acquire %s: %v: %w", resourceID, err, ErrLockContention)
	}
	if !acquired {
		return nil, fmt.Errorf("resource %s busy: %w", resourceID, ErrLockContention)
	}
	released := false
	releaseLock := func() {
		if released {
			return
		}
		released = true
		if err := e.repos.Locks.Release(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, resourceID, execID); err != nil {
			e.log.Warn("lock release failed", "resource_id", resourceID, "error", err)
		}
	}
	defer releaseLock()

	if exec == nil {
		exec = e.newExecutionRow(execID, def, cfg, req)
		if _, err := e.repos.Executions.Create(dbc, []*types.PipelineExecution{exec}); err != nil {
			return nil, fmt.Errorf("create execution: %w", err)
		}
	}

	state, err := NewExecutionState(exec, def)
	if err != nil {
		return nil, err
	}

	if req.ResumeFromCheckpoint {
		if err := e.seedFromCheckpoints(dbc, state); err != nil {
			e.failExecution(ctx, state, err.Error(), req.OnEvent)
			return resultFromRow(exec), err
		}
	}

	if err := e.enterRunning(ctx, state, req.OnEvent); err != nil {
		return resultFromRow(exec), err
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("pipeline.type", req.PipelineType),
			attribute.String("pipeline.execution_id", execID.String()),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(execID, cancel)
	defer e.untrack(execID)

	res, runErr := e.runStages(ctx, runCtx, state, def, cfg, req, resourceID)
	releaseLock()
	return res, runErr
}

// Pause asks a running execution to stop at the next stage boundary. A no-op
// for terminal or already-paused executions.
func (e *Engine) Pause(ctx context.Context, executionID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	exec, err := e.repos.Executions.GetByID(dbc, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	if exec.Terminal() || exec.Status == types.StatusPaused {
		return nil
	}
	if exec.Status != types.StatusRunning {
		return fmt.Errorf("%w: %s -> paused", ErrInvalidTransition, exec.Status)
	}
	ok, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, executionID, types.TerminalStatuses, map[string]interface{}{
		"status": types.StatusPaused,
	})
	if err != nil || !ok {
		return err
	}
	e.appendEvent(ctx, exec, types.EventExecutionPaused, map[string]any{"stage_index": exec.StageIndex}, nil)
	return nil
}

// Resume re-enters the stage loop of a paused execution at its persisted
// stage index. Terminal executions return their existing result.
func (e *Engine) Resume(ctx context.Context, executionID uuid.UUID, onEvent func(ev *types.PipelineEvent)) (*ExecutionResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	exec, err := e.repos.Executions.GetByID(dbc, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	if exec.Terminal() {
		return resultFromRow(exec), nil
	}
	return e.Execute(ctx, ExecuteRequest{
		PipelineType: exec.PipelineType,
		ExecutionID:  executionID,
		OnEvent:      onEvent,
	})
}

// Cancel terminates an execution. Effective mid-stage: the in-flight attempt
// finishes but its result is discarded. The lock is released
// unconditionally. A no-op for terminal executions.
func (e *Engine) Cancel(ctx context.Context, executionID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	exec, err := e.repos.Executions.GetByID(dbc, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	if exec.Terminal() {
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":       types.StatusCancelled,
		"completed_at": now,
		"error":        "",
		"locked_at":    nil,
	}
	if exec.StartedAt != nil {
		updates["duration_ms"] = now.Sub(*exec.StartedAt).Milliseconds()
	}
	ok, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, executionID, types.TerminalStatuses, updates)
	if err != nil {
		return err
	}
	e.cancelLocal(executionID)
	if rlErr := e.repos.Locks.Release(dbc, ResourceID(exec.PipelineType, exec.NovelID), executionID); rlErr != nil {
		e.log.Warn("lock release on cancel failed", "execution_id", executionID, "error", rlErr)
	}
	if ok {
		e.appendEvent(ctx, exec, types.EventExecutionCancelled, map[string]any{"stage_index": exec.StageIndex}, nil)
	}
	return nil
}

// -------------------- stage loop --------------------

func (e *Engine) runStages(ctx, runCtx context.Context, state *ExecutionState, def *Definition, cfg ExecutionConfig, req ExecuteRequest, resourceID string) (*ExecutionResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	exec := state.Execution()
	total := len(def.Stages)

	for state.StageIndex() < total {
		idx := state.StageIndex()

		// Cancel/pause may arrive from another process; check the
		// persisted status at every boundary.
		fresh, err := e.repos.Executions.GetByID(dbc, exec.ID)
		if err != nil {
			return resultFromRow(exec), fmt.Errorf("reload execution: %v: %w", err, ErrInterrupted)
		}
		if fresh != nil {
			switch fresh.Status {
			case types.StatusCancelled:
				return resultFromRow(fresh), nil
			case types.StatusPaused:
				return resultFromRow(fresh), nil
			}
		}

		// Keep the lease alive for the next stage. Losing it means another
		// worker took over: interruption, not failure.
		renewed, err := e.repos.Locks.Renew(dbc, resourceID, exec.ID, e.lockTTL(cfg))
		if err != nil || !renewed {
			return resultFromRow(exec), fmt.Errorf("lease lost for %s: %w", resourceID, ErrInterrupted)
		}
		if err := e.repos.Executions.Heartbeat(dbc, exec.ID); err != nil {
			e.log.Warn("heartbeat failed", "execution_id", exec.ID, "error", err)
		}

		stage := def.StageAt(idx)
		e.appendEvent(ctx, exec, types.EventStageStarted, map[string]any{
			"stage_id":    stage.ID,
			"stage_name":  stage.Name,
			"stage_index": idx,
		}, req.OnEvent)

		startedAt := time.Now()
		output, attempts, stageErr := e.runStageWithRetry(ctx, runCtx, state, stage, cfg, req)

		if runCtx.Err() != nil {
			// The in-flight attempt's result is discarded. A user cancel has
			// already persisted cancelled; anything else is shutdown.
			if fresh, ferr := e.repos.Executions.GetByID(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, exec.ID); ferr == nil && fresh != nil && fresh.Status == types.StatusCancelled {
				return resultFromRow(fresh), nil
			}
			return resultFromRow(exec), fmt.Errorf("shutdown during stage %q: %w", stage.ID, ErrInterrupted)
		}

		if stageErr != nil {
			return e.failStage(ctx, state, stage, idx, attempts, startedAt, stageErr, req)
		}

		state.MergeOutput(output)
		if cfg.EnableCheckpoints {
			outJSON, _ := json.Marshal(output)
			if _, err := e.repos.Checkpoints.Save(dbc, exec.ID, stage.ID, idx, datatypes.JSON(outJSON)); err != nil {
				// A stage must not be considered done until its checkpoint is
				// durable; treat the write failure as an interruption.
				return resultFromRow(exec), fmt.Errorf("checkpoint stage %q: %v: %w", stage.ID, err, ErrInterrupted)
			}
		}
		if err := state.Advance(); err != nil {
			return resultFromRow(exec), err
		}
		progress := (idx + 1) * 100 / total
		if _, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, []string{types.StatusCancelled}, map[string]interface{}{
			"stage_index":   state.StageIndex(),
			"current_stage": exec.CurrentStage,
			"context":       state.ContextJSON(),
			"progress":      progress,
		}); err != nil {
			return resultFromRow(exec), fmt.Errorf("persist stage advance: %v: %w", err, ErrInterrupted)
		}

		completedAt := time.Now()
		durMs := completedAt.Sub(startedAt).Milliseconds()
		rec := &types.StageExecutionRecord{
			ExecutionID: exec.ID,
			StageID:     stage.ID,
			StageName:   stage.Name,
			StageIndex:  idx,
			Status:      types.StageCompleted,
			RetryCount:  attempts - 1,
			StartedAt:   startedAt,
			CompletedAt: &completedAt,
			DurationMs:  &durMs,
		}
		if _, err := e.repos.StageRecords.Append(dbc, rec); err != nil {
			e.log.Warn("stage record append failed", "execution_id", exec.ID, "stage_id", stage.ID, "error", err)
		}
		// Record first, then event: consumers reacting to stage:completed can
		// rely on the history row being queryable.
		e.appendEvent(ctx, exec, types.EventStageCompleted, map[string]any{
			"stage_id":    stage.ID,
			"stage_index": idx,
			"retry_count": attempts - 1,
			"duration_ms": durMs,
		}, req.OnEvent)
	}

	if err := state.Complete(); err != nil {
		return resultFromRow(exec), err
	}
	ok, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, []string{types.StatusCancelled}, map[string]interface{}{
		"status":       types.StatusCompleted,
		"completed_at": exec.CompletedAt,
		"duration_ms":  exec.DurationMs,
		"context":      state.ContextJSON(),
		"progress":     100,
		"message":      "",
		"error":        "",
		"locked_at":    nil,
	})
	if err != nil {
		return resultFromRow(exec), fmt.Errorf("persist completion: %v: %w", err, ErrInterrupted)
	}
	if !ok {
		// Cancelled between the last stage and completion.
		exec.Status = types.StatusCancelled
		return resultFromRow(exec), nil
	}
	e.appendEvent(ctx, exec, types.EventExecutionCompleted, map[string]any{
		"duration_ms": exec.DurationMs,
	}, req.OnEvent)

	res := resultFromRow(exec)
	res.Output = state.Context()
	return res, nil
}

func (e *Engine) failStage(ctx context.Context, state *ExecutionState, stage *Stage, idx, attempts int, startedAt time.Time, stageErr error, req ExecuteRequest) (*ExecutionResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	exec := state.Execution()
	completedAt := time.Now()
	durMs := completedAt.Sub(startedAt).Milliseconds()
	wrapped := &StageError{StageID: stage.ID, Attempts: attempts, Err: stageErr}

	rec := &types.StageExecutionRecord{
		ExecutionID: exec.ID,
		StageID:     stage.ID,
		StageName:   stage.Name,
		StageIndex:  idx,
		Status:      types.StageFailed,
		RetryCount:  attempts - 1,
		Error:       stageErr.Error(),
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		DurationMs:  &durMs,
	}
	if _, err := e.repos.StageRecords.Append(dbc, rec); err != nil {
		e.log.Warn("stage record append failed", "execution_id", exec.ID, "stage_id", stage.ID, "error", err)
	}

	if err := state.Fail(wrapped.Error()); err != nil {
		return resultFromRow(exec), err
	}
	if _, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, []string{types.StatusCancelled}, map[string]interface{}{
		"status":       types.StatusFailed,
		"completed_at": exec.CompletedAt,
		"duration_ms":  exec.DurationMs,
		"error":        wrapped.Error(),
		"message":      "",
		"locked_at":    nil,
	}); err != nil {
		e.log.Warn("persist failure state failed", "execution_id", exec.ID, "error", err)
	}

	e.appendEvent(ctx, exec, types.EventStageFailed, map[string]any{
		"stage_id":    stage.ID,
		"stage_index": idx,
		"retry_count": attempts - 1,
		"error":       stageErr.Error(),
	}, req.OnEvent)
	e.appendEvent(ctx, exec, types.EventExecutionFailed, map[string]any{
		"stage_id": stage.ID,
		"error":    wrapped.Error(),
	}, req.OnEvent)

	// Exhausted retries surface as a structured result, not a Go error.
	return resultFromRow(exec), nil
}

// runStageWithRetry drives one stage's attempt sequence: up to
// maxRetries+1 attempts with (optionally exponential) backoff between them.
func (e *Engine) runStageWithRetry(ctx, runCtx context.Context, state *ExecutionState, stage *Stage, cfg ExecutionConfig, req ExecuteRequest) (map[string]any, int, error) {
	exec := state.Execution()
	attempts := 0
	for {
		attempts++
		sc := &StageContext{
			ExecutionID:  exec.ID,
			PipelineType: exec.PipelineType,
			NovelID:      exec.NovelID,
			ChapterID:    exec.ChapterID,
			UserID:       exec.UserID,
			Input:        decodeJSONMap(exec.Input),
			Context:      state.Context(),
			Config:       cfg,
			Log: e.log.With("execution_id", exec.ID.String(), "stage_id", stage.ID),
			Progress: &progressReporter{
				engine:     e,
				exec:       exec,
				stage:      stage,
				stageIndex: exec.StageIndex,
				stageCount: len(state.def.Stages),
				onEvent:    req.OnEvent,
				ctx:        ctx,
			},
		}
		out, err := e.runAttempt(runCtx, stage, sc, cfg.Timeout())
		if err == nil {
			return out, attempts, nil
		}
		if runCtx.Err() != nil {
			return nil, attempts, err
		}
		if attempts > cfg.MaxRetries {
			return nil, attempts, err
		}
		delay := retryDelay(cfg, attempts)
		e.log.Debug("stage attempt failed, backing off",
			"stage_id", stage.ID, "attempt", attempts, "delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-runCtx.Done():
			return nil, attempts, err
		}
	}
}

// runAttempt invokes the stage once under its timeout. A panicking stage
// counts as a failed attempt, not a crashed worker.
func (e *Engine) runAttempt(runCtx context.Context, stage *Stage, sc *StageContext, timeout time.Duration) (map[string]any, error) {
	ctx, span := e.tracer.Start(runCtx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("stage.id", stage.ID),
			attribute.String("stage.type", string(stage.Type)),
		))
	defer span.End()

	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		res *StageResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("stage %q panic: %v", stage.ID, r)}
			}
		}()
		res, err := stage.Run(attemptCtx, sc)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}
		return nil, fmt.Errorf("stage %q after %s: %w", stage.ID, timeout, ErrStageTimeout)
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		if o.res == nil {
			return map[string]any{}, nil
		}
		return o.res.Output, nil
	}
}

// -------------------- transitions + seeding --------------------

func (e *Engine) enterRunning(ctx context.Context, state *ExecutionState, onEvent func(ev *types.PipelineEvent)) error {
	dbc := dbctx.Context{Ctx: ctx}
	exec := state.Execution()
	now := time.Now()
	switch exec.Status {
	case types.StatusPending:
		if err := state.Start(); err != nil {
			return err
		}
		if _, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, []string{types.StatusCancelled}, map[string]interface{}{
			"status":        types.StatusRunning,
			"started_at":    exec.StartedAt,
			"current_stage": exec.CurrentStage,
			"stage_index":   exec.StageIndex,
			"context":       state.ContextJSON(),
			"heartbeat_at":  now,
		}); err != nil {
			return fmt.Errorf("persist start: %w", err)
		}
		e.appendEvent(ctx, exec, types.EventExecutionStarted, map[string]any{
			"pipeline_type": exec.PipelineType,
			"novel_id":      exec.NovelID,
		}, onEvent)
		return nil
	case types.StatusPaused:
		if err := state.Resume(); err != nil {
			return err
		}
		if _, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, []string{types.StatusCancelled}, map[string]interface{}{
			"status":        types.StatusRunning,
			"stage_index":   exec.StageIndex,
			"current_stage": exec.CurrentStage,
			"context":       state.ContextJSON(),
			"heartbeat_at":  now,
		}); err != nil {
			return fmt.Errorf("persist resume: %w", err)
		}
		e.appendEvent(ctx, exec, types.EventExecutionResumed, map[string]any{
			"stage_index": exec.StageIndex,
		}, onEvent)
		return nil
	case types.StatusRunning:
		// Takeover of an interrupted run: keep running, refresh liveness.
		if _, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, []string{types.StatusCancelled}, map[string]interface{}{
			"stage_index":   exec.StageIndex,
			"current_stage": exec.CurrentStage,
			"context":       state.ContextJSON(),
			"heartbeat_at":  now,
		}); err != nil {
			return fmt.Errorf("persist takeover: %w", err)
		}
		e.appendEvent(ctx, exec, types.EventExecutionResumed, map[string]any{
			"stage_index": exec.StageIndex,
			"takeover":    true,
		}, onEvent)
		return nil
	default:
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, exec.Status)
	}
}

// seedFromCheckpoints reconstructs the pipeline context from every persisted
// checkpoint and positions the stage pointer one past the highest. With zero
// checkpoints (cold start, or checkpoints disabled on this execution) the
// row's persisted stage_index and context already are the resume point, so
// the state is left untouched.
func (e *Engine) seedFromCheckpoints(dbc dbctx.Context, state *ExecutionState) error {
	exec := state.Execution()
	cps, err := e.repos.Checkpoints.ListByExecution(dbc, exec.ID)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	if len(cps) == 0 {
		return nil
	}
	highest := -1
	for _, cp := range cps {
		var out map[string]any
		if err := json.Unmarshal(cp.Output, &out); err != nil {
			return fmt.Errorf("checkpoint %s stage %q: %w", cp.ID, cp.StageID, ErrCheckpointCorrupt)
		}
		state.MergeOutput(out)
		if cp.StageIndex > highest {
			highest = cp.StageIndex
		}
	}
	// A checkpoint can sit one stage ahead of the row when the run died
	// between the checkpoint write and the stage advance. Never move the
	// pointer backwards past work the row already recorded.
	if next := highest + 1; next > state.StageIndex() {
		state.SetStageIndex(next)
	}
	return nil
}

func (e *Engine) failExecution(ctx context.Context, state *ExecutionState, msg string, onEvent func(ev *types.PipelineEvent)) {
	dbc := dbctx.Context{Ctx: ctx}
	exec := state.Execution()
	now := time.Now()
	if _, err := e.repos.Executions.UpdateFieldsUnlessStatus(dbc, exec.ID, types.TerminalStatuses, map[string]interface{}{
		"status":       types.StatusFailed,
		"completed_at": now,
		"error":        msg,
		"locked_at":    nil,
	}); err != nil {
		e.log.Warn("persist failure failed", "execution_id", exec.ID, "error", err)
	}
	exec.Status = types.StatusFailed
	exec.Error = msg
	e.appendEvent(ctx, exec, types.EventExecutionFailed, map[string]any{"error": msg}, onEvent)
}

// -------------------- events --------------------

// appendEvent persists the event row first (the transition it describes is
// already durable), then hands it to the per-call callback and the bus.
func (e *Engine) appendEvent(ctx context.Context, exec *types.PipelineExecution, eventType string, data map[string]any, onEvent func(ev *types.PipelineEvent)) {
	raw, _ := json.Marshal(data)
	ev := &types.PipelineEvent{
		ExecutionID:  exec.ID,
		PipelineType: exec.PipelineType,
		EventType:    eventType,
		Data:         datatypes.JSON(raw),
	}
	dbc := dbctx.Context{Ctx: context.WithoutCancel(ctx)}
	if _, err := e.repos.Events.Append(dbc, ev); err != nil {
		e.log.Warn("event append failed", "execution_id", exec.ID, "event_type", eventType, "error", err)
		return
	}
	if onEvent != nil {
		onEvent(ev)
	}
	if e.notify != nil {
		e.notify.EventPublished(ctx, ev)
	}
}

// -------------------- query boundary --------------------

// ExecutionDetail is the query-out view: the row plus its full stage history.
type ExecutionDetail struct {
	Execution *types.PipelineExecution      `json:"execution"`
	History   []*types.StageExecutionRecord `json:"history"`
}

func (e *Engine) GetState(ctx context.Context, executionID uuid.UUID) (*ExecutionDetail, error) {
	dbc := dbctx.Context{Ctx: ctx}
	exec, err := e.repos.Executions.GetByID(dbc, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	history, err := e.repos.StageRecords.ListByExecution(dbc, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: exec, History: history}, nil
}

func (e *Engine) ListExecutions(ctx context.Context, novelID uuid.UUID, limit int, cursor *repos.Cursor) ([]*types.PipelineExecution, *repos.Cursor, error) {
	return e.repos.Executions.ListByNovel(dbctx.Context{Ctx: ctx}, novelID, limit, cursor)
}

// -------------------- internals --------------------

func (e *Engine) effectiveConfig(def *Definition, exec *types.PipelineExecution, overrides *ConfigOverrides) ExecutionConfig {
	// A persisted run keeps the config it started with.
	if exec != nil && len(exec.Config) > 0 && string(exec.Config) != "null" {
		var cfg ExecutionConfig
		if err := json.Unmarshal(exec.Config, &cfg); err == nil && cfg.TimeoutMs > 0 {
			return cfg
		}
	}
	return def.Defaults.merge(overrides)
}

func (e *Engine) lockTTL(cfg ExecutionConfig) time.Duration {
	ttl := cfg.Timeout() * 2
	if ttl < e.LockTTL {
		ttl = e.LockTTL
	}
	return ttl
}

func (e *Engine) newExecutionRow(execID uuid.UUID, def *Definition, cfg ExecutionConfig, req ExecuteRequest) *types.PipelineExecution {
	cfgJSON, _ := json.Marshal(cfg)
	inJSON, _ := json.Marshal(req.Input)
	first := ""
	if st := def.StageAt(0); st != nil {
		first = st.ID
	}
	return &types.PipelineExecution{
		ID:           execID,
		PipelineType: req.PipelineType,
		NovelID:      req.NovelID,
		ChapterID:    req.ChapterID,
		UserID:       req.UserID,
		Status:       types.StatusPending,
		CurrentStage: first,
		StageIndex:   0,
		Config:       datatypes.JSON(cfgJSON),
		Input:        datatypes.JSON(inJSON),
		Context:      datatypes.JSON([]byte(`{}`)),
	}
}

func (e *Engine) track(id uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[id] = cancel
}

func (e *Engine) untrack(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Engine) cancelLocal(id uuid.UUID) {
	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func resultFromRow(exec *types.PipelineExecution) *ExecutionResult {
	res := &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Error:       exec.Error,
	}
	if exec.Status == types.StatusCompleted {
		res.Output = decodeJSONMap(exec.Context)
	}
	return res
}

func decodeJSONMap(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func retryDelay(cfg ExecutionConfig, attempts int) time.Duration {
	base := cfg.RetryDelay()
	if base <= 0 {
		base = time.Second
	}
	d := base
	if cfg.ExponentialBackoff {
		d = time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	}
	if limit := 30 * time.Second; d > limit {
		d = limit
	}
	// Jitter keeps retried stages from thundering in step.
	delta := float64(d) * 0.2
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// progressReporter is the engine-owned implementation handed to stages.
type progressReporter struct {
	engine     *Engine
	exec       *types.PipelineExecution
	stage      *Stage
	stageIndex int
	stageCount int
	onEvent    func(ev *types.PipelineEvent)
	ctx        context.Context
}

func (p *progressReporter) Report(pct int, msg string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	// Scale the stage-local percent into this stage's window of the overall
	// run.
	overall := pct
	if p.stageCount > 0 {
		overall = (p.stageIndex*100 + pct) / p.stageCount
	}
	dbc := dbctx.Context{Ctx: context.WithoutCancel(p.ctx)}
	now := time.Now()
	if _, err := p.engine.repos.Executions.UpdateFieldsUnlessStatus(dbc, p.exec.ID, types.TerminalStatuses, map[string]interface{}{
		"progress":     overall,
		"message":      msg,
		"heartbeat_at": now,
	}); err != nil {
		p.engine.log.Warn("progress update failed", "execution_id", p.exec.ID, "error", err)
	}
	p.publish(map[string]any{"stage_id": p.stage.ID, "percent": pct, "overall": overall, "message": msg})
}

func (p *progressReporter) Step(name string) {
	p.publish(map[string]any{"stage_id": p.stage.ID, "step": name})
}

// Token streams a generated chunk to live observers only; nothing is
// persisted per token.
func (p *progressReporter) Token(chunk string) {
	if !p.stage.SupportsStreaming || chunk == "" {
		return
	}
	p.publish(map[string]any{"stage_id": p.stage.ID, "token": chunk})
}

func (p *progressReporter) publish(data map[string]any) {
	raw, _ := json.Marshal(data)
	ev := &types.PipelineEvent{
		ExecutionID:  p.exec.ID,
		PipelineType: p.exec.PipelineType,
		EventType:    types.EventStageProgress,
		Data:         datatypes.JSON(raw),
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
	if p.engine.notify != nil {
		p.engine.notify.EventPublished(p.ctx, ev)
	}
}
