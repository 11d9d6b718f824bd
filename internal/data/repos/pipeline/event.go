package pipeline

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

type EventRepo interface {
	Append(dbc dbctx.Context, ev *types.PipelineEvent) (*types.PipelineEvent, error)
	ListRecent(dbc dbctx.Context, limit int) ([]*types.PipelineEvent, error)
	// ListSince returns events with seq > afterSeq, oldest first; the
	// poll-from-last-seen consumption path.
	ListSince(dbc dbctx.Context, afterSeq int64, limit int) ([]*types.PipelineEvent, error)
	ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.PipelineEvent, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *eventRepo) Append(dbc dbctx.Context, ev *types.PipelineEvent) (*types.PipelineEvent, error) {
	if ev == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *eventRepo) ListRecent(dbc dbctx.Context, limit int) ([]*types.PipelineEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*types.PipelineEvent
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Order("seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) ListSince(dbc dbctx.Context, afterSeq int64, limit int) ([]*types.PipelineEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.PipelineEvent
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.PipelineEvent, error) {
	var out []*types.PipelineEvent
	if executionID == uuid.Nil {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
