package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// LockRepo is the leased mutual-exclusion primitive. Acquire must be a
// single atomic insert-if-absent: the unique resource_id constraint decides
// the winner, never a read-then-write on the caller's side.
type LockRepo interface {
	// Acquire returns true iff this holder now owns the resource. On any
	// store error it returns false: never assume success on ambiguous
	// failure.
	Acquire(dbc dbctx.Context, resourceID string, holderID uuid.UUID, ttl time.Duration) (bool, error)
	// Renew extends the lease iff this holder still owns it.
	Renew(dbc dbctx.Context, resourceID string, holderID uuid.UUID, ttl time.Duration) (bool, error)
	// Release deletes the row iff this holder owns it, so a slow holder
	// cannot release a lock already taken over after expiry.
	Release(dbc dbctx.Context, resourceID string, holderID uuid.UUID) error
	Get(dbc dbctx.Context, resourceID string) (*types.PipelineLock, error)
	SweepExpired(dbc dbctx.Context) (int64, error)
}

type lockRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLockRepo(db *gorm.DB, baseLog *logger.Logger) LockRepo {
	return &lockRepo{
		db:  db,
		log: baseLog.With("repo", "LockRepo"),
	}
}

func (r *lockRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *lockRepo) Acquire(dbc dbctx.Context, resourceID string, holderID uuid.UUID, ttl time.Duration) (bool, error) {
	if resourceID == "" || holderID == uuid.Nil || ttl <= 0 {
		return false, nil
	}
	now := time.Now()
	acquired := false
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		// An expired lease is treated as absent: clear it so the insert
		// below can land.
		if err := txx.
			Where("resource_id = ? AND expires_at < ?", resourceID, now).
			Delete(&types.PipelineLock{}).Error; err != nil {
			return err
		}
		row := &types.PipelineLock{
			ResourceID: resourceID,
			HolderID:   holderID,
			ExpiresAt:  now.Add(ttl),
		}
		res := txx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		// Fail closed.
		return false, err
	}
	return acquired, nil
}

func (r *lockRepo) Renew(dbc dbctx.Context, resourceID string, holderID uuid.UUID, ttl time.Duration) (bool, error) {
	if resourceID == "" || holderID == uuid.Nil || ttl <= 0 {
		return false, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineLock{}).
		Where("resource_id = ? AND holder_id = ?", resourceID, holderID).
		Update("expires_at", time.Now().Add(ttl))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *lockRepo) Release(dbc dbctx.Context, resourceID string, holderID uuid.UUID) error {
	if resourceID == "" || holderID == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Where("resource_id = ? AND holder_id = ?", resourceID, holderID).
		Delete(&types.PipelineLock{}).Error
}

func (r *lockRepo) Get(dbc dbctx.Context, resourceID string) (*types.PipelineLock, error) {
	if resourceID == "" {
		return nil, nil
	}
	var row types.PipelineLock
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("resource_id = ?", resourceID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ResourceID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *lockRepo) SweepExpired(dbc dbctx.Context) (int64, error) {
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&types.PipelineLock{})
	return res.RowsAffected, res.Error
}
