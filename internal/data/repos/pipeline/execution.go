package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

type ExecutionRepo interface {
	Create(dbc dbctx.Context, execs []*types.PipelineExecution) ([]*types.PipelineExecution, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineExecution, error)
	ListByNovel(dbc dbctx.Context, novelID uuid.UUID, limit int, cursor *Cursor) ([]*types.PipelineExecution, *Cursor, error)
	ListStartedSince(dbc dbctx.Context, pipelineType string, since time.Time) ([]*types.PipelineExecution, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.PipelineExecution, error)
}

// Cursor is a keyset pagination position: the (started_at, id) pair of the
// last row of the previous page. Newest first.
type Cursor struct {
	StartedAt time.Time `json:"started_at"`
	ID        uuid.UUID `json:"id"`
}

type executionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return &executionRepo{
		db:  db,
		log: baseLog.With("repo", "ExecutionRepo"),
	}
}

func (r *executionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *executionRepo) Create(dbc dbctx.Context, execs []*types.PipelineExecution) ([]*types.PipelineExecution, error) {
	if len(execs) == 0 {
		return []*types.PipelineExecution{}, nil
	}
	for _, e := range execs {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *executionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineExecution, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var exec types.PipelineExecution
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&exec).Error
	if err != nil {
		return nil, err
	}
	if exec.ID == uuid.Nil {
		return nil, nil
	}
	return &exec, nil
}

func (r *executionRepo) ListByNovel(dbc dbctx.Context, novelID uuid.UUID, limit int, cursor *Cursor) ([]*types.PipelineExecution, *Cursor, error) {
	if novelID == uuid.Nil {
		return nil, nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Where("novel_id = ?", novelID)
	if cursor != nil {
		q = q.Where(
			"(started_at < ?) OR (started_at = ? AND id < ?)",
			cursor.StartedAt, cursor.StartedAt, cursor.ID,
		)
	}
	var out []*types.PipelineExecution
	// Fetch one extra row to learn whether another page exists.
	err := q.Order("started_at DESC, id DESC").
		Limit(limit + 1).
		Find(&out).Error
	if err != nil {
		return nil, nil, err
	}
	var next *Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		startedAt := last.CreatedAt
		if last.StartedAt != nil {
			startedAt = *last.StartedAt
		}
		next = &Cursor{StartedAt: startedAt, ID: last.ID}
	}
	return out, next, nil
}

func (r *executionRepo) ListStartedSince(dbc dbctx.Context, pipelineType string, since time.Time) ([]*types.PipelineExecution, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Where("started_at IS NOT NULL AND started_at >= ?", since)
	if pipelineType != "" {
		q = q.Where("pipeline_type = ?", pipelineType)
	}
	var out []*types.PipelineExecution
	if err := q.Order("started_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineExecution{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *executionRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineExecution{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *executionRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineExecution{}).
		Where("id = ? AND status = ?", id, types.StatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

// ClaimNextRunnable picks the oldest pending execution, or a running one
// whose heartbeat went stale (a crashed worker), and stamps locked_at so two
// dispatchers never pick the same row. SKIP LOCKED keeps concurrent claimers
// from serializing on each other.
func (r *executionRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.PipelineExecution, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.PipelineExecution
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var exec types.PipelineExecution
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        status = ?
        OR (
          status = ?
          AND heartbeat_at IS NOT NULL
          AND heartbeat_at < ?
        )
      `, types.StatusPending, types.StatusRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&exec).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.PipelineExecution{}).
			Where("id = ?", exec.ID).
			Updates(map[string]interface{}{
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
