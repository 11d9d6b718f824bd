package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/inkforge/inkforge-backend/internal/data/repos"
	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

var engineDBSeq atomic.Int64

func newTestRepos(t *testing.T) *repos.Set {
	t.Helper()
	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared", engineDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&types.PipelineExecution{},
		&types.StageExecutionRecord{},
		&types.PipelineCheckpoint{},
		&types.PipelineLock{},
		&types.PipelineEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return repos.NewSet(db, logger.NewNop())
}

func fastConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxRetries:        2,
		RetryDelayMs:      1,
		TimeoutMs:         5000,
		EnableCheckpoints: true,
	}
}

func newTestEngine(t *testing.T, def *Definition) (*Engine, *repos.Set) {
	t.Helper()
	rs := newTestRepos(t)
	reg := NewRegistry()
	if def != nil {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return NewEngine(rs, reg, nil, logger.NewNop()), rs
}

func recordsByStage(t *testing.T, rs *repos.Set, execID uuid.UUID) map[string]*types.StageExecutionRecord {
	t.Helper()
	recs, err := rs.StageRecords.ListByExecution(dbctx.Context{Ctx: context.Background()}, execID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	out := map[string]*types.StageExecutionRecord{}
	for _, r := range recs {
		out[r.StageID] = r
	}
	return out
}

func TestEngineHappyPathWithOneRetry(t *testing.T) {
	var bAttempts atomic.Int32
	def := &Definition{
		ID:       "abc",
		Name:     "ABC",
		Defaults: fastConfig(),
		Stages: []Stage{
			{ID: "a", Name: "A", Type: StageTypeSetup, Run: func(_ context.Context, _ *StageContext) (*StageResult, error) {
				return &StageResult{Output: map[string]any{"a_out": "va"}}, nil
			}},
			{ID: "b", Name: "B", Type: StageTypeGeneration, Run: func(_ context.Context, sc *StageContext) (*StageResult, error) {
				if sc.Context["a_out"] != "va" {
					return nil, fmt.Errorf("missing upstream output")
				}
				if bAttempts.Add(1) == 1 {
					return nil, fmt.Errorf("transient failure")
				}
				return &StageResult{Output: map[string]any{"b_out": "vb"}}, nil
			}},
			{ID: "c", Name: "C", Type: StageTypeReview, Run: func(_ context.Context, sc *StageContext) (*StageResult, error) {
				if sc.Context["b_out"] != "vb" {
					return nil, fmt.Errorf("missing upstream output")
				}
				return &StageResult{Output: map[string]any{"c_out": "vc"}}, nil
			}},
		},
	}
	eng, rs := newTestEngine(t, def)

	var events []string
	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "abc",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
		OnEvent:      func(ev *types.PipelineEvent) { events = append(events, ev.EventType) },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.StatusCompleted {
		t.Fatalf("status: want=completed got=%s (error=%s)", res.Status, res.Error)
	}
	for _, key := range []string{"a_out", "b_out", "c_out"} {
		if res.Output[key] == nil {
			t.Fatalf("output missing %s: %v", key, res.Output)
		}
	}
	if got := bAttempts.Load(); got != 2 {
		t.Fatalf("b attempts: want=2 got=%d", got)
	}

	recs := recordsByStage(t, rs, res.ExecutionID)
	if len(recs) != 3 {
		t.Fatalf("record count: want=3 got=%d", len(recs))
	}
	if recs["b"].RetryCount != 1 {
		t.Fatalf("b retry count: want=1 got=%d", recs["b"].RetryCount)
	}
	for _, id := range []string{"a", "c"} {
		if recs[id].RetryCount != 0 {
			t.Fatalf("%s retry count: want=0 got=%d", id, recs[id].RetryCount)
		}
		if recs[id].Status != types.StageCompleted {
			t.Fatalf("%s status: want=completed got=%s", id, recs[id].Status)
		}
	}
	if recs["a"].StageIndex != 0 || recs["b"].StageIndex != 1 || recs["c"].StageIndex != 2 {
		t.Fatalf("stage indexes out of order: a=%d b=%d c=%d",
			recs["a"].StageIndex, recs["b"].StageIndex, recs["c"].StageIndex)
	}

	wantEvents := []string{
		types.EventExecutionStarted,
		types.EventStageStarted, types.EventStageCompleted,
		types.EventStageStarted, types.EventStageCompleted,
		types.EventStageStarted, types.EventStageCompleted,
		types.EventExecutionCompleted,
	}
	if len(events) != len(wantEvents) {
		t.Fatalf("event count: want=%d got=%d (%v)", len(wantEvents), len(events), events)
	}
	for i := range wantEvents {
		if events[i] != wantEvents[i] {
			t.Fatalf("event[%d]: want=%s got=%s", i, wantEvents[i], events[i])
		}
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	exec, _ := rs.Executions.GetByID(dbc, res.ExecutionID)
	if exec.Status != types.StatusCompleted || exec.Progress != 100 {
		t.Fatalf("row after completion: status=%s progress=%d", exec.Status, exec.Progress)
	}
	if lock, _ := rs.Locks.Get(dbc, ResourceID("abc", exec.NovelID)); lock != nil {
		t.Fatalf("lock not released after completion: %+v", lock)
	}

	// Persisted events carry monotonically increasing sequence numbers.
	persisted, _ := rs.Events.ListByExecution(dbc, res.ExecutionID)
	for i := 1; i < len(persisted); i++ {
		if persisted[i].Seq <= persisted[i-1].Seq {
			t.Fatalf("event seq not monotonic at %d: %d <= %d", i, persisted[i].Seq, persisted[i-1].Seq)
		}
	}
}

func TestEngineRetryBoundExhausted(t *testing.T) {
	var attempts atomic.Int32
	cfg := fastConfig()
	cfg.MaxRetries = 2
	def := &Definition{
		ID:       "flaky",
		Name:     "Flaky",
		Defaults: cfg,
		Stages: []Stage{
			{ID: "boom", Name: "Boom", Type: StageTypeGeneration, Run: func(_ context.Context, _ *StageContext) (*StageResult, error) {
				attempts.Add(1)
				return nil, fmt.Errorf("always fails")
			}},
		},
	}
	eng, rs := newTestEngine(t, def)

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "flaky",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if err != nil {
		t.Fatalf("exhausted retries must be a structured result, got error: %v", err)
	}
	if res.Status != types.StatusFailed {
		t.Fatalf("status: want=failed got=%s", res.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts with MaxRetries=2: want=3 got=%d", got)
	}
	if !strings.Contains(res.Error, "after 3 attempts") {
		t.Fatalf("result error missing attempt count: %q", res.Error)
	}

	recs := recordsByStage(t, rs, res.ExecutionID)
	if recs["boom"].Status != types.StageFailed || recs["boom"].RetryCount != 2 {
		t.Fatalf("failed record: status=%s retries=%d", recs["boom"].Status, recs["boom"].RetryCount)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	exec, _ := rs.Executions.GetByID(dbc, res.ExecutionID)
	if exec.Status != types.StatusFailed || exec.Error == "" {
		t.Fatalf("row after failure: status=%s error=%q", exec.Status, exec.Error)
	}
	if lock, _ := rs.Locks.Get(dbc, ResourceID("flaky", exec.NovelID)); lock != nil {
		t.Fatalf("lock not released after failure: %+v", lock)
	}
}

func TestEngineStageTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.TimeoutMs = 20
	def := &Definition{
		ID:       "slow",
		Name:     "Slow",
		Defaults: cfg,
		Stages: []Stage{
			{ID: "sleepy", Name: "Sleepy", Type: StageTypeGeneration, Run: func(ctx context.Context, _ *StageContext) (*StageResult, error) {
				select {
				case <-time.After(2 * time.Second):
					return &StageResult{}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}},
		},
	}
	eng, _ := newTestEngine(t, def)

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "slow",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if err != nil {
		t.Fatalf("timeout must be a structured failure, got error: %v", err)
	}
	if res.Status != types.StatusFailed {
		t.Fatalf("status: want=failed got=%s", res.Status)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("result error missing timeout: %q", res.Error)
	}
}

func TestEngineLockContention(t *testing.T) {
	def := &Definition{
		ID:       "abc",
		Name:     "ABC",
		Defaults: fastConfig(),
		Stages:   []Stage{{ID: "a", Name: "A", Run: noopRun}},
	}
	eng, rs := newTestEngine(t, def)
	novelID := uuid.New()
	dbc := dbctx.Context{Ctx: context.Background()}

	if ok, err := rs.Locks.Acquire(dbc, ResourceID("abc", novelID), uuid.New(), time.Minute); err != nil || !ok {
		t.Fatalf("seed foreign lock: ok=%v err=%v", ok, err)
	}

	_, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "abc",
		NovelID:      novelID,
		UserID:       uuid.New(),
	})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("want=ErrLockContention got=%v", err)
	}
}

func TestEngineUnknownPipelineType(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	_, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "nope",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if !errors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("want=ErrPipelineNotFound got=%v", err)
	}
}

func TestEngineResumeFromCheckpointSkipsCompletedStages(t *testing.T) {
	var ranStages []string
	mk := func(id string) Stage {
		return Stage{ID: id, Name: id, Run: func(_ context.Context, sc *StageContext) (*StageResult, error) {
			ranStages = append(ranStages, id)
			return &StageResult{Output: map[string]any{id + "_out": "v"}}, nil
		}}
	}
	def := &Definition{
		ID:       "resumable",
		Name:     "Resumable",
		Defaults: fastConfig(),
		Stages:   []Stage{mk("a"), mk("b"), mk("c")},
	}
	eng, rs := newTestEngine(t, def)
	dbc := dbctx.Context{Ctx: context.Background()}

	execID := uuid.New()
	if _, err := rs.Executions.Create(dbc, []*types.PipelineExecution{{
		ID:           execID,
		PipelineType: "resumable",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
		Status:       types.StatusPending,
		Config:       datatypes.JSON([]byte(`{}`)),
		Input:        datatypes.JSON([]byte(`{}`)),
		Context:      datatypes.JSON([]byte(`{}`)),
	}}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	if _, err := rs.Checkpoints.Save(dbc, execID, "a", 0, datatypes.JSON([]byte(`{"a_out":"prior"}`))); err != nil {
		t.Fatalf("seed checkpoint a: %v", err)
	}
	if _, err := rs.Checkpoints.Save(dbc, execID, "b", 1, datatypes.JSON([]byte(`{"b_out":"prior"}`))); err != nil {
		t.Fatalf("seed checkpoint b: %v", err)
	}

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType:         "resumable",
		ExecutionID:          execID,
		ResumeFromCheckpoint: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.StatusCompleted {
		t.Fatalf("status: want=completed got=%s (error=%s)", res.Status, res.Error)
	}
	if len(ranStages) != 1 || ranStages[0] != "c" {
		t.Fatalf("stages re-run after resume: want=[c] got=%v", ranStages)
	}
	if res.Output["a_out"] != "prior" || res.Output["b_out"] != "prior" || res.Output["c_out"] != "v" {
		t.Fatalf("resumed output: %v", res.Output)
	}
}

func TestEngineTakeoverWithoutCheckpointsKeepsPersistedStageIndex(t *testing.T) {
	var ranStages []string
	mk := func(id string) Stage {
		return Stage{ID: id, Name: id, Run: func(_ context.Context, _ *StageContext) (*StageResult, error) {
			ranStages = append(ranStages, id)
			return &StageResult{Output: map[string]any{id + "_out": "v"}}, nil
		}}
	}
	def := &Definition{
		ID:       "resumable",
		Name:     "Resumable",
		Defaults: fastConfig(),
		Stages:   []Stage{mk("a"), mk("b"), mk("c")},
	}
	eng, rs := newTestEngine(t, def)
	dbc := dbctx.Context{Ctx: context.Background()}

	// A crashed run with checkpointing disabled: the row is the only record
	// of progress. Stale heartbeat, mid-run at stage c, no checkpoint rows.
	execID := uuid.New()
	started := time.Now().Add(-10 * time.Minute)
	stale := time.Now().Add(-5 * time.Minute)
	if _, err := rs.Executions.Create(dbc, []*types.PipelineExecution{{
		ID:           execID,
		PipelineType: "resumable",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
		Status:       types.StatusRunning,
		StageIndex:   2,
		CurrentStage: "c",
		StartedAt:    &started,
		HeartbeatAt:  &stale,
		Config:       datatypes.JSON([]byte(`{"max_retries":1,"retry_delay_ms":1,"timeout_ms":5000,"enable_checkpoints":false}`)),
		Input:        datatypes.JSON([]byte(`{}`)),
		Context:      datatypes.JSON([]byte(`{"a_out":"prior","b_out":"prior"}`)),
	}}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType:         "resumable",
		ExecutionID:          execID,
		ResumeFromCheckpoint: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.StatusCompleted {
		t.Fatalf("status: want=completed got=%s (error=%s)", res.Status, res.Error)
	}
	if len(ranStages) != 1 || ranStages[0] != "c" {
		t.Fatalf("stages re-run after takeover: want=[c] got=%v", ranStages)
	}
	if res.Output["a_out"] != "prior" || res.Output["b_out"] != "prior" || res.Output["c_out"] != "v" {
		t.Fatalf("takeover output: %v", res.Output)
	}
}

func TestEngineConcurrentExecutesAreMutuallyExclusive(t *testing.T) {
	release := make(chan struct{})
	def := &Definition{
		ID:       "abc",
		Name:     "ABC",
		Defaults: fastConfig(),
		Stages: []Stage{
			{ID: "hold", Name: "Hold", Run: func(ctx context.Context, _ *StageContext) (*StageResult, error) {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return &StageResult{Output: map[string]any{"held": true}}, nil
			}},
		},
	}
	eng, _ := newTestEngine(t, def)
	novelID := uuid.New()

	type outcome struct {
		res *ExecutionResult
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := eng.Execute(context.Background(), ExecuteRequest{
				PipelineType: "abc",
				NovelID:      novelID,
				UserID:       uuid.New(),
			})
			results <- outcome{res, err}
		}()
	}

	// The winner holds the lock inside its stage until released, so the
	// first result back can only be the loser's contention error.
	first := <-results
	if !errors.Is(first.err, ErrLockContention) {
		t.Fatalf("concurrent execute: want=ErrLockContention got=%v (res=%+v)", first.err, first.res)
	}
	close(release)
	second := <-results
	if second.err != nil {
		t.Fatalf("winning execute: %v", second.err)
	}
	if second.res.Status != types.StatusCompleted {
		t.Fatalf("winning execute status: want=completed got=%s", second.res.Status)
	}
}

func TestEngineCorruptCheckpointFailsExecution(t *testing.T) {
	def := &Definition{
		ID:       "resumable",
		Name:     "Resumable",
		Defaults: fastConfig(),
		Stages:   []Stage{{ID: "a", Name: "A", Run: noopRun}},
	}
	eng, rs := newTestEngine(t, def)
	dbc := dbctx.Context{Ctx: context.Background()}

	execID := uuid.New()
	if _, err := rs.Executions.Create(dbc, []*types.PipelineExecution{{
		ID:           execID,
		PipelineType: "resumable",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
		Status:       types.StatusPending,
		Config:       datatypes.JSON([]byte(`{}`)),
		Input:        datatypes.JSON([]byte(`{}`)),
		Context:      datatypes.JSON([]byte(`{}`)),
	}}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	// Valid JSON, wrong shape: not an object.
	if _, err := rs.Checkpoints.Save(dbc, execID, "a", 0, datatypes.JSON([]byte(`[1,2,3]`))); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	_, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType:         "resumable",
		ExecutionID:          execID,
		ResumeFromCheckpoint: true,
	})
	if !errors.Is(err, ErrCheckpointCorrupt) {
		t.Fatalf("want=ErrCheckpointCorrupt got=%v", err)
	}

	exec, _ := rs.Executions.GetByID(dbc, execID)
	if exec.Status != types.StatusFailed {
		t.Fatalf("row after corrupt checkpoint: want=failed got=%s", exec.Status)
	}
	if lock, _ := rs.Locks.Get(dbc, ResourceID("resumable", exec.NovelID)); lock != nil {
		t.Fatalf("lock not released: %+v", lock)
	}
}

func TestEnginePauseAtBoundaryAndResume(t *testing.T) {
	var ranStages []string
	eng := (*Engine)(nil)
	var rs *repos.Set
	def := &Definition{
		ID:       "pausable",
		Name:     "Pausable",
		Defaults: fastConfig(),
		Stages: []Stage{
			{ID: "a", Name: "A", Run: func(_ context.Context, sc *StageContext) (*StageResult, error) {
				ranStages = append(ranStages, "a")
				// Pause lands mid-stage; it must only take effect at the
				// boundary after this stage completes.
				if err := eng.Pause(context.Background(), sc.ExecutionID); err != nil {
					return nil, err
				}
				return &StageResult{Output: map[string]any{"a_out": "v"}}, nil
			}},
			{ID: "b", Name: "B", Run: func(_ context.Context, _ *StageContext) (*StageResult, error) {
				ranStages = append(ranStages, "b")
				return &StageResult{Output: map[string]any{"b_out": "v"}}, nil
			}},
		},
	}
	eng, rs = newTestEngine(t, def)

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "pausable",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.StatusPaused {
		t.Fatalf("status: want=paused got=%s", res.Status)
	}
	if len(ranStages) != 1 || ranStages[0] != "a" {
		t.Fatalf("stages before pause: want=[a] got=%v", ranStages)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	exec, _ := rs.Executions.GetByID(dbc, res.ExecutionID)
	if exec.StageIndex != 1 {
		t.Fatalf("persisted stage index: want=1 got=%d", exec.StageIndex)
	}
	if lock, _ := rs.Locks.Get(dbc, ResourceID("pausable", exec.NovelID)); lock != nil {
		t.Fatalf("lock held while paused: %+v", lock)
	}

	// Resume picks up at stage b; a is not re-run.
	res, err = eng.Resume(context.Background(), res.ExecutionID, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != types.StatusCompleted {
		t.Fatalf("status after resume: want=completed got=%s (error=%s)", res.Status, res.Error)
	}
	if len(ranStages) != 2 || ranStages[1] != "b" {
		t.Fatalf("stages after resume: want=[a b] got=%v", ranStages)
	}
}

func TestEngineCancelIsIdempotentOnTerminal(t *testing.T) {
	def := &Definition{
		ID:       "abc",
		Name:     "ABC",
		Defaults: fastConfig(),
		Stages:   []Stage{{ID: "a", Name: "A", Run: noopRun}},
	}
	eng, rs := newTestEngine(t, def)

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "abc",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.StatusCompleted {
		t.Fatalf("status: want=completed got=%s", res.Status)
	}

	if err := eng.Cancel(context.Background(), res.ExecutionID); err != nil {
		t.Fatalf("cancel completed: %v", err)
	}
	exec, _ := rs.Executions.GetByID(dbctx.Context{Ctx: context.Background()}, res.ExecutionID)
	if exec.Status != types.StatusCompleted {
		t.Fatalf("cancel overwrote terminal status: %s", exec.Status)
	}

	if err := eng.Cancel(context.Background(), uuid.New()); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("cancel unknown: want=ErrExecutionNotFound got=%v", err)
	}
}

func TestEngineShutdownIsInterruption(t *testing.T) {
	started := make(chan struct{})
	def := &Definition{
		ID:       "longrun",
		Name:     "LongRun",
		Defaults: fastConfig(),
		Stages: []Stage{
			{ID: "block", Name: "Block", Run: func(ctx context.Context, _ *StageContext) (*StageResult, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
	}
	eng, _ := newTestEngine(t, def)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := eng.Execute(ctx, ExecuteRequest{
		PipelineType: "longrun",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if !Interrupted(err) {
		t.Fatalf("shutdown mid-stage: want interruption got=%v", err)
	}
}

func TestEngineGetStateReturnsHistory(t *testing.T) {
	def := &Definition{
		ID:       "abc",
		Name:     "ABC",
		Defaults: fastConfig(),
		Stages:   []Stage{{ID: "a", Name: "A", Run: noopRun}, {ID: "b", Name: "B", Run: noopRun}},
	}
	eng, _ := newTestEngine(t, def)

	res, err := eng.Execute(context.Background(), ExecuteRequest{
		PipelineType: "abc",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	detail, err := eng.GetState(context.Background(), res.ExecutionID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if detail.Execution.Status != types.StatusCompleted {
		t.Fatalf("detail status: want=completed got=%s", detail.Execution.Status)
	}
	if len(detail.History) != 2 {
		t.Fatalf("history length: want=2 got=%d", len(detail.History))
	}

	if _, err := eng.GetState(context.Background(), uuid.New()); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("get unknown: want=ErrExecutionNotFound got=%v", err)
	}
}
