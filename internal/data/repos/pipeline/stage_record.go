package pipeline

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

type StageRecordRepo interface {
	Append(dbc dbctx.Context, rec *types.StageExecutionRecord) (*types.StageExecutionRecord, error)
	ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.StageExecutionRecord, error)
	ListByExecutions(dbc dbctx.Context, executionIDs []uuid.UUID) ([]*types.StageExecutionRecord, error)
}

type stageRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageRecordRepo(db *gorm.DB, baseLog *logger.Logger) StageRecordRepo {
	return &stageRecordRepo{
		db:  db,
		log: baseLog.With("repo", "StageRecordRepo"),
	}
}

func (r *stageRecordRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stageRecordRepo) Append(dbc dbctx.Context, rec *types.StageExecutionRecord) (*types.StageExecutionRecord, error) {
	if rec == nil {
		return nil, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *stageRecordRepo) ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.StageExecutionRecord, error) {
	var out []*types.StageExecutionRecord
	if executionID == uuid.Nil {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("started_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageRecordRepo) ListByExecutions(dbc dbctx.Context, executionIDs []uuid.UUID) ([]*types.StageExecutionRecord, error) {
	var out []*types.StageExecutionRecord
	if len(executionIDs) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("execution_id IN ?", executionIDs).
		Order("started_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
