package pipeline

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

type CheckpointRepo interface {
	Save(dbc dbctx.Context, executionID uuid.UUID, stageID string, stageIndex int, output datatypes.JSON) (*types.PipelineCheckpoint, error)
	// LoadLatest returns the checkpoint of the highest-completed stage, or
	// nil when the execution has no prior progress.
	LoadLatest(dbc dbctx.Context, executionID uuid.UUID) (*types.PipelineCheckpoint, error)
	ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.PipelineCheckpoint, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{
		db:  db,
		log: baseLog.With("repo", "CheckpointRepo"),
	}
}

func (r *checkpointRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *checkpointRepo) Save(dbc dbctx.Context, executionID uuid.UUID, stageID string, stageIndex int, output datatypes.JSON) (*types.PipelineCheckpoint, error) {
	cp := &types.PipelineCheckpoint{
		ID:          uuid.New(),
		ExecutionID: executionID,
		StageID:     stageID,
		StageIndex:  stageIndex,
		Output:      output,
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(cp).Error; err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *checkpointRepo) LoadLatest(dbc dbctx.Context, executionID uuid.UUID) (*types.PipelineCheckpoint, error) {
	if executionID == uuid.Nil {
		return nil, nil
	}
	var cp types.PipelineCheckpoint
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("stage_index DESC").
		Limit(1).
		Find(&cp).Error
	if err != nil {
		return nil, err
	}
	if cp.ID == uuid.Nil {
		return nil, nil
	}
	return &cp, nil
}

func (r *checkpointRepo) ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.PipelineCheckpoint, error) {
	var out []*types.PipelineCheckpoint
	if executionID == uuid.Nil {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("stage_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
