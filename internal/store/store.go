package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/toolhub/export-engine/internal/model"
)

// Sentinel errors surfaced to the orchestration layer. Handlers map them to
// HTTP status codes with errors.Is.
var (
	ErrNotFound     = errors.New("job not found")
	ErrConflict     = errors.New("an active export job already exists for this target")
	ErrInvalidState = errors.New("operation not allowed in the job's current state")
)

// Store is the durable job record backed by gorm. It is the single source of
// truth for job state; every lifecycle write goes through its guarded updates.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&model.ExportJob{}, &model.Tool{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	// Partial unique index implements the one-active-job-per-target rule at
	// the storage layer, so two concurrent Start calls cannot both pass a
	// check-then-insert race.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_export_jobs_active_target
		 ON export_jobs(target_id)
		 WHERE status IN ('pending', 'in_progress') AND deleted_at IS NULL`,
	).Error; err != nil {
		return nil, fmt.Errorf("failed to create active-target index: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection for collaborators sharing the same
// database (tool registry).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Create inserts a new pending job. Returns ErrConflict when the target
// already has an active job.
func (s *Store) Create(ctx context.Context, job *model.ExportJob) error {
	err := s.db.WithContext(ctx).Create(job).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// Get returns a job by id, excluding soft-deleted rows.
func (s *Store) Get(ctx context.Context, jobID string) (*model.ExportJob, error) {
	return s.get(ctx, jobID, false)
}

// GetAny returns a job by id including soft-deleted rows (admin audit path).
func (s *Store) GetAny(ctx context.Context, jobID string) (*model.ExportJob, error) {
	return s.get(ctx, jobID, true)
}

func (s *Store) get(ctx context.Context, jobID string, includeDeleted bool) (*model.ExportJob, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	var job model.ExportJob
	if err := q.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkInProgress moves a pending job to in_progress. A no-op returning
// ErrInvalidState when the job is no longer pending (e.g. cancelled while
// queued).
func (s *Store) MarkInProgress(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND status = ? AND deleted_at IS NULL", jobID, model.JobStatusPending).
		Update("status", model.JobStatusInProgress)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// UpdateSteps persists a step-boundary snapshot: the step list, counters,
// progress and current step name. Guarded so a late write racing a terminal
// transition is a silent no-op.
func (s *Store) UpdateSteps(ctx context.Context, jobID string, steps []model.JobStep, completed, progress int, currentStep string) error {
	return s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND status IN ? AND deleted_at IS NULL", jobID, model.ActiveStatuses).
		Updates(map[string]any{
			"steps":           toJSONSlice(steps),
			"steps_completed": completed,
			"progress":        progress,
			"current_step":    currentStep,
		}).Error
}

// UpdateProgress persists an intra-step progress reading. The progress guard
// keeps the percentage monotone even under reordered writes.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND status = ? AND progress <= ? AND deleted_at IS NULL",
			jobID, model.JobStatusInProgress, progress).
		Update("progress", progress).Error
}

// Complete records the package artifact and moves the job to completed in one
// write. packagePath is set if and only if the job completes.
func (s *Store) Complete(ctx context.Context, jobID string, steps []model.JobStep, packagePath string, sizeBytes int64, completedAt, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND status = ? AND deleted_at IS NULL", jobID, model.JobStatusInProgress).
		Updates(map[string]any{
			"status":             model.JobStatusCompleted,
			"steps":              toJSONSlice(steps),
			"steps_completed":    len(steps),
			"progress":           100,
			"current_step":       "",
			"package_path":       packagePath,
			"package_size_bytes": sizeBytes,
			"completed_at":       completedAt,
			"package_expires_at": expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// Fail records the first failure and moves the job to failed. The
// error_message guard makes the first failure win; anything later is a no-op.
func (s *Store) Fail(ctx context.Context, jobID string, steps []model.JobStep, completed, progress int, message string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND status IN ? AND error_message IS NULL AND deleted_at IS NULL",
			jobID, model.ActiveStatuses).
		Updates(map[string]any{
			"status":          model.JobStatusFailed,
			"steps":           toJSONSlice(steps),
			"steps_completed": completed,
			"progress":        progress,
			"current_step":    "",
			"error_message":   message,
			"completed_at":    now,
		}).Error
}

// Cancel moves an active job to cancelled. Returns ErrInvalidState when the
// job already reached a terminal status.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND status IN ? AND deleted_at IS NULL", jobID, model.ActiveStatuses).
		Updates(map[string]any{
			"status":       model.JobStatusCancelled,
			"current_step": "",
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// SoftDelete tags the row deleted for audit. The row is never removed.
func (s *Store) SoftDelete(ctx context.Context, jobID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND deleted_at IS NULL", jobID).
		Update("deleted_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDownload bumps the download counters. Best effort: callers ignore the
// error so an accounting hiccup never blocks a transfer.
func (s *Store) RecordDownload(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ? AND deleted_at IS NULL", jobID).
		Updates(map[string]any{
			"download_count":     gorm.Expr("download_count + 1"),
			"last_downloaded_at": now,
		}).Error
}

// ListExpired returns completed jobs whose retention window has passed and
// whose package bytes have not been reclaimed yet.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]model.ExportJob, error) {
	var jobs []model.ExportJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND package_path IS NOT NULL AND package_expires_at < ?",
			model.JobStatusCompleted, now).
		Find(&jobs).Error
	return jobs, err
}

// ClearPackage removes the package metadata after the bytes were deleted.
// Idempotent: clearing an already-cleared row changes nothing.
func (s *Store) ClearPackage(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Model(&model.ExportJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"package_path":       nil,
			"package_size_bytes": nil,
		}).Error
}

// List applies scope visibility, filters, sorting and pagination and returns
// the page plus the total matching count.
func (s *Store) List(ctx context.Context, scope model.CallerScope, q *model.ListJobsQuery) ([]model.ExportJob, int64, error) {
	tx := s.db.WithContext(ctx).Model(&model.ExportJob{})

	if !scope.IsAdmin() {
		tx = tx.Where("owner_id = ?", scope.UserID)
	}
	if !scope.IsAdmin() || !q.IncludeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.TargetType != "" {
		tx = tx.Where("target_type = ?", q.TargetType)
	}
	if q.From != nil {
		tx = tx.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		tx = tx.Where("created_at <= ?", *q.To)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []model.ExportJob
	// SortBy/SortDir are whitelisted by the handler's validator before they
	// reach the store.
	order := fmt.Sprintf("%s %s", q.SortBy, q.SortDir)
	if err := tx.Order(order).Limit(q.Limit).Offset(q.Offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func toJSONSlice(steps []model.JobStep) datatypes.JSONSlice[model.JobStep] {
	return datatypes.NewJSONSlice(steps)
}
