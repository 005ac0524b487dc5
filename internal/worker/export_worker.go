package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/toolhub/export-engine/internal/export"
	"github.com/toolhub/export-engine/internal/registry"
	"github.com/toolhub/export-engine/internal/runner"
	"github.com/toolhub/export-engine/internal/service"
	"github.com/toolhub/export-engine/internal/storage"
)

// ExportWorker consumes export tasks and drives the step runner. Each task
// carries only the job id; everything else is read back from the store so the
// record stays the single source of truth.
type ExportWorker struct {
	runner   *runner.Runner
	registry registry.Registry
	storage  storage.Storage
	log      *logrus.Logger
}

func NewExportWorker(r *runner.Runner, reg registry.Registry, st storage.Storage, log *logrus.Logger) *ExportWorker {
	return &ExportWorker{
		runner:   r,
		registry: reg,
		storage:  st,
		log:      log,
	}
}

// ProcessTask handles one export job end to end.
func (w *ExportWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ExportTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal export payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("export payload missing jobId")
	}

	w.log.WithField("jobId", payload.JobID).Info("starting export job")

	defs := export.BuildPipeline(w.registry, w.storage)
	if err := w.runner.Run(ctx, payload.JobID, defs); err != nil {
		w.log.WithError(err).WithField("jobId", payload.JobID).Error("export job aborted")
		return err
	}
	return nil
}
