package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/inkforge/inkforge-backend/internal/data/repos"
	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// StageMetrics aggregates per-stage performance across executions.
type StageMetrics struct {
	StageID       string  `json:"stage_id"`
	Runs          int     `json:"runs"`
	Failures      int     `json:"failures"`
	TotalRetries  int     `json:"total_retries"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// PipelineMetrics is the aggregated view for one pipeline type over a window.
type PipelineMetrics struct {
	PipelineType   string         `json:"pipeline_type"`
	Since          time.Time      `json:"since"`
	TotalRuns      int            `json:"total_runs"`
	StatusCounts   map[string]int `json:"status_counts"`
	SuccessRate    float64        `json:"success_rate"`
	AvgDurationMs  float64        `json:"avg_duration_ms"`
	ErrorBreakdown map[string]int `json:"error_breakdown"`
	Stages         []StageMetrics `json:"stages"`
}

// ExecutionMetrics is the drill-down view for one execution.
type ExecutionMetrics struct {
	ExecutionID  uuid.UUID                     `json:"execution_id"`
	PipelineType string                        `json:"pipeline_type"`
	Status       string                        `json:"status"`
	Progress     int                           `json:"progress"`
	CurrentStage string                        `json:"current_stage"`
	DurationMs   *int64                        `json:"duration_ms,omitempty"`
	TotalRetries int                           `json:"total_retries"`
	Stages       []*types.StageExecutionRecord `json:"stages"`
}

// Dashboard is the read-only observability surface. Every query tolerates
// empty data: zero executions yields zeroed metrics, never an error.
type Dashboard struct {
	log      *logger.Logger
	repos    *repos.Set
	registry *Registry
	health   *HealthTracker
}

func NewDashboard(rs *repos.Set, registry *Registry, health *HealthTracker, baseLog *logger.Logger) *Dashboard {
	return &Dashboard{
		log:      baseLog.With("component", "PipelineDashboard"),
		repos:    rs,
		registry: registry,
		health:   health,
	}
}

// GetHealthStatus reports advisory health for one pipeline type.
func (d *Dashboard) GetHealthStatus(pipelineType string) HealthStatus {
	return d.health.Status(pipelineType)
}

// GetAllPipelinesHealth reports every registered pipeline type, sorted by
// type for stable output. A registered type with no runs yet reports as
// healthy with zeroed counters; tracker entries for unregistered types are
// still included.
func (d *Dashboard) GetAllPipelinesHealth() []HealthStatus {
	seen := map[string]bool{}
	out := []HealthStatus{}
	if d.registry != nil {
		for _, t := range d.registry.Types() {
			out = append(out, d.health.Status(t))
			seen[t] = true
		}
	}
	for _, st := range d.health.Snapshot() {
		if !seen[st.PipelineType] {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineType < out[j].PipelineType })
	return out
}

// GetAggregatedMetrics computes status counts, success rate, mean duration,
// an error breakdown and per-stage performance for executions of one type
// started since the given time.
func (d *Dashboard) GetAggregatedMetrics(ctx context.Context, pipelineType string, since time.Time) (*PipelineMetrics, error) {
	dbc := dbctx.Context{Ctx: ctx}
	execs, err := d.repos.Executions.ListStartedSince(dbc, pipelineType, since)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	m := &PipelineMetrics{
		PipelineType:   pipelineType,
		Since:          since,
		TotalRuns:      len(execs),
		StatusCounts:   map[string]int{},
		ErrorBreakdown: map[string]int{},
		Stages:         []StageMetrics{},
	}

	var durSum float64
	var durN int
	ids := make([]uuid.UUID, 0, len(execs))
	for _, ex := range execs {
		m.StatusCounts[ex.Status]++
		if ex.DurationMs != nil {
			durSum += float64(*ex.DurationMs)
			durN++
		}
		if ex.Status == types.StatusFailed && ex.Error != "" {
			m.ErrorBreakdown[truncateError(ex.Error)]++
		}
		ids = append(ids, ex.ID)
	}
	if durN > 0 {
		m.AvgDurationMs = durSum / float64(durN)
	}
	terminal := m.StatusCounts[types.StatusCompleted] + m.StatusCounts[types.StatusFailed]
	if terminal > 0 {
		m.SuccessRate = float64(m.StatusCounts[types.StatusCompleted]) / float64(terminal)
	}

	if len(ids) > 0 {
		records, err := d.repos.StageRecords.ListByExecutions(dbc, ids)
		if err != nil {
			return nil, fmt.Errorf("list stage records: %w", err)
		}
		m.Stages = aggregateStages(records)
	}
	return m, nil
}

// GetExecutionMetrics returns the per-stage drill-down for one execution.
func (d *Dashboard) GetExecutionMetrics(ctx context.Context, executionID uuid.UUID) (*ExecutionMetrics, error) {
	dbc := dbctx.Context{Ctx: ctx}
	exec, err := d.repos.Executions.GetByID(dbc, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	records, err := d.repos.StageRecords.ListByExecution(dbc, executionID)
	if err != nil {
		return nil, err
	}
	retries := 0
	for _, r := range records {
		retries += r.RetryCount
	}
	return &ExecutionMetrics{
		ExecutionID:  exec.ID,
		PipelineType: exec.PipelineType,
		Status:       exec.Status,
		Progress:     exec.Progress,
		CurrentStage: exec.CurrentStage,
		DurationMs:   exec.DurationMs,
		TotalRetries: retries,
		Stages:       records,
	}, nil
}

// GetRecentActivity returns the newest persisted events across all
// executions, newest first.
func (d *Dashboard) GetRecentActivity(ctx context.Context, limit int) ([]*types.PipelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.repos.Events.ListRecent(dbctx.Context{Ctx: ctx}, limit)
}

func aggregateStages(records []*types.StageExecutionRecord) []StageMetrics {
	byStage := map[string]*StageMetrics{}
	durSums := map[string]float64{}
	durNs := map[string]int{}
	order := []string{}
	for _, r := range records {
		sm := byStage[r.StageID]
		if sm == nil {
			sm = &StageMetrics{StageID: r.StageID}
			byStage[r.StageID] = sm
			order = append(order, r.StageID)
		}
		sm.Runs++
		sm.TotalRetries += r.RetryCount
		if r.Status == types.StageFailed {
			sm.Failures++
		}
		if r.DurationMs != nil {
			durSums[r.StageID] += float64(*r.DurationMs)
			durNs[r.StageID]++
		}
	}
	sort.Strings(order)
	out := make([]StageMetrics, 0, len(order))
	for _, id := range order {
		sm := byStage[id]
		if n := durNs[id]; n > 0 {
			sm.AvgDurationMs = durSums[id] / float64(n)
		}
		out = append(out, *sm)
	}
	return out
}

// truncateError keeps breakdown keys bounded; full messages live on the rows.
func truncateError(msg string) string {
	const max = 120
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
