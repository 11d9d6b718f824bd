package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/inkforge/inkforge-backend/internal/domain"
)

func testDefinition() *Definition {
	return &Definition{
		ID:       "test",
		Name:     "Test",
		Defaults: DefaultConfig(),
		Stages: []Stage{
			{ID: "a", Name: "A", Type: StageTypeSetup, Run: noopRun},
			{ID: "b", Name: "B", Type: StageTypeGeneration, Run: noopRun},
			{ID: "c", Name: "C", Type: StageTypeReview, Run: noopRun},
		},
	}
}

func noopRun(_ context.Context, _ *StageContext) (*StageResult, error) {
	return &StageResult{Output: map[string]any{}}, nil
}

func newTestState(t *testing.T, status string) *ExecutionState {
	t.Helper()
	exec := &types.PipelineExecution{
		ID:           uuid.New(),
		PipelineType: "test",
		NovelID:      uuid.New(),
		UserID:       uuid.New(),
		Status:       status,
		Context:      datatypes.JSON([]byte(`{}`)),
	}
	st, err := NewExecutionState(exec, testDefinition())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return st
}

func TestStateHappyPath(t *testing.T) {
	st := newTestState(t, types.StatusPending)

	if err := st.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Status() != types.StatusRunning {
		t.Fatalf("status after start: want=running got=%s", st.Status())
	}
	if st.Execution().CurrentStage != "a" {
		t.Fatalf("current stage: want=a got=%s", st.Execution().CurrentStage)
	}

	for i := 0; i < 3; i++ {
		if err := st.Advance(); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if st.StageIndex() != 3 {
		t.Fatalf("stage index: want=3 got=%d", st.StageIndex())
	}

	if err := st.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st.Status() != types.StatusCompleted {
		t.Fatalf("status: want=completed got=%s", st.Status())
	}
	if st.Execution().DurationMs == nil {
		t.Fatalf("duration not stamped on completion")
	}
}

func TestStateIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		from string
		op   func(*ExecutionState) error
	}{
		{"start from running", types.StatusRunning, (*ExecutionState).Start},
		{"start from completed", types.StatusCompleted, (*ExecutionState).Start},
		{"advance while pending", types.StatusPending, (*ExecutionState).Advance},
		{"complete from pending", types.StatusPending, (*ExecutionState).Complete},
		{"pause from pending", types.StatusPending, (*ExecutionState).Pause},
		{"resume from failed", types.StatusFailed, (*ExecutionState).Resume},
		{"fail from completed", types.StatusCompleted, func(s *ExecutionState) error { return s.Fail("x") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newTestState(t, tc.from)
			err := tc.op(st)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("want=ErrInvalidTransition got=%v", err)
			}
			if st.Status() != tc.from {
				t.Fatalf("status changed by rejected transition: %s -> %s", tc.from, st.Status())
			}
		})
	}
}

func TestStatePauseResumeIdempotent(t *testing.T) {
	st := newTestState(t, types.StatusRunning)
	if err := st.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := st.Pause(); err != nil {
		t.Fatalf("pause paused: %v", err)
	}
	if err := st.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := st.Resume(); err != nil {
		t.Fatalf("resume running: %v", err)
	}
	if st.Status() != types.StatusRunning {
		t.Fatalf("status: want=running got=%s", st.Status())
	}
}

func TestStateCancelTerminalIsNoop(t *testing.T) {
	for _, status := range []string{types.StatusCompleted, types.StatusFailed, types.StatusCancelled} {
		st := newTestState(t, status)
		if err := st.Cancel(); err != nil {
			t.Fatalf("cancel %s: %v", status, err)
		}
		if st.Status() != status {
			t.Fatalf("cancel %s changed status to %s", status, st.Status())
		}
	}

	st := newTestState(t, types.StatusRunning)
	if err := st.Cancel(); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if st.Status() != types.StatusCancelled {
		t.Fatalf("status: want=cancelled got=%s", st.Status())
	}
}

func TestStateContextMergeAndCopy(t *testing.T) {
	st := newTestState(t, types.StatusRunning)
	st.MergeOutput(map[string]any{"world": "w1"})
	st.MergeOutput(map[string]any{"characters": "c1", "world": "w2"})

	view := st.Context()
	if view["world"] != "w2" || view["characters"] != "c1" {
		t.Fatalf("merged context: got=%v", view)
	}

	// Mutating the view must not leak back.
	view["world"] = "hacked"
	if st.Context()["world"] != "w2" {
		t.Fatalf("context view is not a copy")
	}
}
