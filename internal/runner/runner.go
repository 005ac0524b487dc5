// Package runner executes a job's ordered step list, persisting progress at
// every step boundary and honouring cooperative cancellation.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toolhub/export-engine/internal/model"
	"github.com/toolhub/export-engine/internal/storage"
	"github.com/toolhub/export-engine/internal/store"
)

// StepFunc is one unit of work. It receives the job-scoped context for
// cancellation and the JobContext for progress reporting and artifact
// hand-off. Long-running steps must honour ctx themselves; the runner only
// interrupts between steps.
type StepFunc func(ctx context.Context, jc *JobContext) error

// StepDefinition names a step function. Definitions are built fresh per job
// run so step closures may share pipeline state.
type StepDefinition struct {
	Name string
	Run  StepFunc
}

// StepNames extracts the ordered names, used to seed the job record before
// execution starts.
func StepNames(defs []StepDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// SeedSteps builds the initial pending step list for a new job.
func SeedSteps(names []string) []model.JobStep {
	steps := make([]model.JobStep, len(names))
	for i, name := range names {
		steps[i] = model.JobStep{Name: name, Status: model.StepStatusPending}
	}
	return steps
}

// JobContext is shared by every step of one run.
type JobContext struct {
	Job *model.ExportJob

	report       func(pct int)
	artifactPath string
	artifactSize int64
	hasArtifact  bool
}

// Report records intra-step progress as a 0-100 percentage of the current
// step. The runner maps it into the job's overall percentage, clamped below
// the next step boundary so the overall number stays monotone.
func (jc *JobContext) Report(pct int) {
	if jc.report != nil {
		jc.report(pct)
	}
}

// SetArtifact records the produced package. The final packaging step must
// call it; completion is refused without an artifact.
func (jc *JobContext) SetArtifact(path string, size int64) {
	jc.artifactPath = path
	jc.artifactSize = size
	jc.hasArtifact = true
}

// ProgressUpdate is pushed to subscribers after every persisted change.
type ProgressUpdate struct {
	JobID        string          `json:"jobId"`
	Status       model.JobStatus `json:"status"`
	Progress     int             `json:"progressPercentage"`
	CurrentStep  string          `json:"currentStep,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Notifier relays persisted progress to live subscribers. The store remains
// the source of truth; the notifier only echoes what was already written.
type Notifier interface {
	Publish(u ProgressUpdate)
}

// Runner drives one job at a time through its steps. Instances are stateless;
// a single Runner serves concurrent jobs.
type Runner struct {
	store    *store.Store
	storage  storage.Storage
	notifier Notifier
	log      *logrus.Logger
}

func New(st *store.Store, sg storage.Storage, notifier Notifier, log *logrus.Logger) *Runner {
	return &Runner{store: st, storage: sg, notifier: notifier, log: log}
}

// Run executes the job's steps in order. Step failures are recorded on the
// job, never returned: a failed job is a handled outcome, not a worker error.
// The returned error is reserved for infrastructure faults (store down,
// context cancelled).
func (r *Runner) Run(ctx context.Context, jobID string, defs []StepDefinition) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			r.log.WithField("jobId", jobID).Warn("job vanished before execution")
			return nil
		}
		return err
	}
	if job.Status.IsTerminal() {
		// Cancelled (or otherwise finished) while still queued.
		return nil
	}

	if err := r.store.MarkInProgress(ctx, jobID); err != nil {
		if err == store.ErrInvalidState {
			return nil
		}
		return err
	}
	job.Status = model.JobStatusInProgress

	steps := []model.JobStep(job.Steps)
	if len(steps) != len(defs) {
		steps = SeedSteps(StepNames(defs))
	}
	total := len(defs)
	jc := &JobContext{Job: job}

	for i, def := range defs {
		// Cancellation checkpoint: a Cancel call flips the row to a terminal
		// status, after which every step write below is a guarded no-op. Halt
		// here rather than burn work that can never be recorded.
		cur, err := r.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Status != model.JobStatusInProgress {
			r.log.WithFields(logrus.Fields{"jobId": jobID, "status": cur.Status}).
				Info("job no longer running, stopping before next step")
			return nil
		}

		now := time.Now()
		steps[i].Status = model.StepStatusInProgress
		steps[i].StartedAt = &now
		base := 100 * i / total
		next := 100 * (i + 1) / total
		if err := r.store.UpdateSteps(ctx, jobID, steps, i, base, def.Name); err != nil {
			return err
		}
		r.publish(jobID, model.JobStatusInProgress, base, def.Name, "")

		jc.report = func(pct int) {
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			overall := base + pct*(next-base)/100
			if overall >= next && next > base {
				overall = next - 1
			}
			if err := r.store.UpdateProgress(ctx, jobID, overall); err != nil {
				r.log.WithError(err).WithField("jobId", jobID).Warn("failed to persist step progress")
				return
			}
			r.publish(jobID, model.JobStatusInProgress, overall, def.Name, "")
		}

		stepErr := def.Run(ctx, jc)
		jc.report = nil

		if stepErr != nil {
			if ctx.Err() != nil {
				// Worker shutdown, not a step fault. Leave the job in_progress
				// for operational monitoring rather than mark it failed.
				return ctx.Err()
			}
			done := time.Now()
			steps[i].Status = model.StepStatusFailed
			steps[i].Message = stepErr.Error()
			steps[i].CompletedAt = &done
			if err := r.store.Fail(ctx, jobID, steps, i, base, stepErr.Error()); err != nil {
				return err
			}
			r.publish(jobID, model.JobStatusFailed, base, "", stepErr.Error())
			r.log.WithError(stepErr).WithFields(logrus.Fields{"jobId": jobID, "step": def.Name}).
				Warn("export step failed")
			return nil
		}

		done := time.Now()
		steps[i].Status = model.StepStatusCompleted
		steps[i].CompletedAt = &done
		if i < total-1 {
			if err := r.store.UpdateSteps(ctx, jobID, steps, i+1, next, def.Name); err != nil {
				return err
			}
			r.publish(jobID, model.JobStatusInProgress, next, def.Name, "")
		}
	}

	if !jc.hasArtifact {
		// The pipeline is malformed: its final step must emit the package.
		msg := "pipeline produced no package artifact"
		if err := r.store.Fail(ctx, jobID, steps, total, 99, msg); err != nil {
			return err
		}
		r.publish(jobID, model.JobStatusFailed, 99, "", msg)
		return nil
	}

	completedAt := time.Now()
	expiresAt := completedAt.Add(time.Duration(job.PackageRetentionDays) * 24 * time.Hour)
	err = r.store.Complete(ctx, jobID, steps, jc.artifactPath, jc.artifactSize, completedAt, expiresAt)
	if err != nil {
		if err == store.ErrInvalidState {
			// Cancel won the race after the last step finished. The job stays
			// cancelled and its packagePath is never set, so the retention
			// sweep cannot find these bytes; reclaim them here.
			logger := r.log.WithFields(logrus.Fields{"jobId": jobID, "packagePath": jc.artifactPath})
			if r.storage != nil {
				if derr := r.storage.Delete(ctx, jc.artifactPath); derr != nil {
					logger.WithError(derr).Warn("failed to reclaim package of a job cancelled at the finish line")
					return nil
				}
			}
			logger.Info("job reached a terminal state before completion, package reclaimed")
			return nil
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}
	r.publish(jobID, model.JobStatusCompleted, 100, "", "")
	return nil
}

func (r *Runner) publish(jobID string, status model.JobStatus, progress int, step, errMsg string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(ProgressUpdate{
		JobID:        jobID,
		Status:       status,
		Progress:     progress,
		CurrentStep:  step,
		ErrorMessage: errMsg,
	})
}
