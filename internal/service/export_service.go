package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/toolhub/export-engine/internal/model"
	"github.com/toolhub/export-engine/internal/registry"
	"github.com/toolhub/export-engine/internal/runner"
	"github.com/toolhub/export-engine/internal/store"
)

const (
	TaskTypeExport = "export:process"
	QueueExport    = "export"
)

// Authorization errors raised by the orchestrator on top of the store's
// taxonomy.
var (
	ErrForbidden   = errors.New("caller lacks the required role")
	ErrPackageGone = errors.New("package has expired")
)

// ExportTaskPayload is the asynq payload for one export job.
type ExportTaskPayload struct {
	JobID string `json:"jobId"`
}

// NewExportTask builds the asynq task for a job. MaxRetry is zero: the runner
// guarantees at-most-once execution per step per run and failures are
// recorded on the job, not retried by the queue.
func NewExportTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ExportTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExport, payload, asynq.Queue(QueueExport), asynq.MaxRetry(0)), nil
}

// TaskEnqueuer is the slice of *asynq.Client the service needs. Tests supply
// a fake; production wires the real client.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExportService is the single authoritative gate for job creation,
// cancellation, queries and deletion. It is stateless; concurrency safety
// comes from the store's guarded writes, not from locks here.
type ExportService struct {
	store         *store.Store
	registry      registry.Registry
	enqueuer      TaskEnqueuer
	stepNames     []string
	retentionDays int
	log           *logrus.Logger
}

func NewExportService(st *store.Store, reg registry.Registry, enqueuer TaskEnqueuer, stepNames []string, retentionDays int, log *logrus.Logger) *ExportService {
	return &ExportService{
		store:         st,
		registry:      reg,
		enqueuer:      enqueuer,
		stepNames:     stepNames,
		retentionDays: retentionDays,
		log:           log,
	}
}

// Start validates the target, creates the pending job and hands it to the
// queue. It returns immediately; callers poll GetStatus for the outcome.
func (s *ExportService) Start(ctx context.Context, toolID string, scope model.CallerScope) (*model.ExportJob, error) {
	accessible, err := s.registry.IsAccessible(ctx, toolID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve export target: %w", err)
	}
	if !accessible {
		// Inaccessible and nonexistent targets are indistinguishable to the
		// caller on purpose.
		return nil, store.ErrNotFound
	}
	tool, err := s.registry.Get(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to load export target: %w", err)
	}

	job := &model.ExportJob{
		ID:                   uuid.New().String(),
		TargetID:             toolID,
		TargetType:           tool.Type,
		OwnerID:              scope.UserID,
		Status:               model.JobStatusPending,
		Steps:                datatypes.NewJSONSlice(runner.SeedSteps(s.stepNames)),
		StepsTotal:           len(s.stepNames),
		PackageRetentionDays: s.retentionDays,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	task, err := NewExportTask(job.ID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(task)
	}
	if err != nil {
		// The row exists but nothing will ever run it; fail it so the caller
		// is not left polling a job that cannot progress.
		msg := "failed to queue export job"
		if ferr := s.store.Fail(ctx, job.ID, job.Steps, 0, 0, msg); ferr != nil {
			s.log.WithError(ferr).WithField("jobId", job.ID).Error("failed to mark unqueued job failed")
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	return job, nil
}

// GetStatus returns the job if it exists and is visible to the caller.
func (s *ExportService) GetStatus(ctx context.Context, jobID string, scope model.CallerScope) (*model.ExportJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !scope.CanSee(job.OwnerID) {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// Cancel stops an active job. The terminal transition is written immediately;
// the runner observes it at its next step boundary and halts, leaving
// partially completed steps recorded for diagnosis.
func (s *ExportService) Cancel(ctx context.Context, jobID string, scope model.CallerScope) (*model.ExportJob, error) {
	if _, err := s.GetStatus(ctx, jobID, scope); err != nil {
		return nil, err
	}
	if err := s.store.Cancel(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, jobID)
}

// Delete soft-deletes a job for audit. Administrator only. Package bytes are
// left to the retention sweep.
func (s *ExportService) Delete(ctx context.Context, jobID string, scope model.CallerScope) error {
	if !scope.IsAdmin() {
		return ErrForbidden
	}
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return err
	}
	return s.store.SoftDelete(ctx, jobID)
}

// List returns the caller's visible jobs, paginated.
func (s *ExportService) List(ctx context.Context, scope model.CallerScope, q *model.ListJobsQuery) (*model.JobListResponse, error) {
	q.Normalize()
	jobs, total, err := s.store.List(ctx, scope, q)
	if err != nil {
		return nil, err
	}
	return model.NewJobListResponse(jobs, total, q.Limit, q.Offset), nil
}

// ResolvePackage authorizes a download and returns the job whose package may
// be streamed. Expiry is a logical state checked here, before any physical
// access: a package past its window is Gone even when the sweep has not
// reclaimed the bytes yet.
func (s *ExportService) ResolvePackage(ctx context.Context, jobID string, scope model.CallerScope) (*model.ExportJob, error) {
	job, err := s.GetStatus(ctx, jobID, scope)
	if err != nil {
		return nil, err
	}
	if job.PackageExpired(time.Now()) {
		return nil, ErrPackageGone
	}
	if job.PackagePath == nil {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// RecordDownload bumps the download counters. Best effort by contract: the
// caller streams regardless of the outcome.
func (s *ExportService) RecordDownload(ctx context.Context, jobID string) {
	if err := s.store.RecordDownload(ctx, jobID); err != nil {
		s.log.WithError(err).WithField("jobId", jobID).Warn("failed to record download")
	}
}
