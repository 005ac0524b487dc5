// Package retention reclaims package storage for jobs past their retention
// window. The sweep is decoupled from job completion: it runs on its own
// schedule and never blocks job execution or downloads.
package retention

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/toolhub/export-engine/internal/store"
	"github.com/toolhub/export-engine/internal/storage"
)

// TaskTypeSweep is the periodic asynq task driving the sweep.
const TaskTypeSweep = "retention:sweep"

// Sweeper expires packages. Idempotent: a sweep over already-cleared rows is
// a no-op, so overlapping or repeated runs are harmless.
type Sweeper struct {
	store   *store.Store
	storage storage.Storage
	log     *logrus.Logger
}

func NewSweeper(st *store.Store, sg storage.Storage, log *logrus.Logger) *Sweeper {
	return &Sweeper{store: st, storage: sg, log: log}
}

// Sweep reclaims every expired package it can. Bytes are deleted before
// metadata is cleared; a failed delete leaves the row untouched so the next
// cycle retries it. Per-job failures are logged and never abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range expired {
		if job.PackagePath == nil {
			continue
		}
		logger := s.log.WithFields(logrus.Fields{"jobId": job.ID, "packagePath": *job.PackagePath})

		if err := s.storage.Delete(ctx, *job.PackagePath); err != nil {
			logger.WithError(err).Warn("failed to delete expired package, will retry next sweep")
			continue
		}
		if err := s.store.ClearPackage(ctx, job.ID); err != nil {
			// Bytes are gone but metadata survived; the next sweep finds the
			// row again and Delete treats the missing object as success.
			logger.WithError(err).Warn("failed to clear package metadata, will retry next sweep")
			continue
		}
		logger.Info("reclaimed expired package")
		reclaimed++
	}
	return reclaimed, nil
}

// ProcessTask adapts the sweep to the asynq periodic scheduler.
func (s *Sweeper) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Error("retention sweep failed")
		return err
	}
	if n > 0 {
		s.log.WithField("reclaimed", n).Info("retention sweep finished")
	}
	return nil
}

// Run drives the sweep on a fixed interval until ctx is cancelled. Used when
// the periodic scheduler is not available (tests, single-binary deployments).
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.WithError(err).Error("retention sweep failed")
			}
		}
	}
}
