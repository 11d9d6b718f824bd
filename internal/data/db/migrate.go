package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/inkforge/inkforge-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// Pipeline runtime
		&types.PipelineExecution{},
		&types.StageExecutionRecord{},
		&types.PipelineCheckpoint{},
		&types.PipelineLock{},
		&types.PipelineEvent{},
	)
}

// EnsurePipelineIndexes adds the hot-path indexes AutoMigrate cannot express.
func EnsurePipelineIndexes(db *gorm.DB) error {
	// Dispatcher claim scan: runnable rows, oldest first.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pipeline_execution_status_created
		ON pipeline_execution (status, created_at)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_pipeline_execution_status_created: %w", err)
	}

	// Newest-first listing per novel (keyset pagination on started_at, id).
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pipeline_execution_novel_started
		ON pipeline_execution (novel_id, started_at DESC, id DESC)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_pipeline_execution_novel_started: %w", err)
	}

	// Stage history in declared order.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pipeline_stage_record_exec_started
		ON pipeline_stage_record (execution_id, started_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_pipeline_stage_record_exec_started: %w", err)
	}

	// Event polling from a last-seen sequence number.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pipeline_event_seq
		ON pipeline_event (seq);
	`).Error; err != nil {
		return fmt.Errorf("create idx_pipeline_event_seq: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsurePipelineIndexes(s.db); err != nil {
		s.log.Error("Pipeline index migration failed", "error", err)
		return err
	}
	return nil
}
