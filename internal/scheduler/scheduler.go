// Package scheduler submits recurring sync, import and cache-warm jobs so
// the service keeps itself fresh after the startup sequence finishes.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"marketpulse/config"
	"marketpulse/internal/queue"
	"marketpulse/logger"
)

// Enqueuer is the slice of the job orchestrator the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name queue.Name, id string, payload queue.Payload) (string, error)
}

type Scheduler struct {
	cron           *gocron.Scheduler
	manager        Enqueuer
	cfg            config.SchedulerConfig
	importInterval string
	log            *logger.Log
}

func NewScheduler(manager Enqueuer, cfg config.SchedulerConfig, importInterval string) *Scheduler {
	if importInterval == "" {
		importInterval = "5m"
	}
	return &Scheduler{
		cron:           gocron.NewScheduler(time.UTC),
		manager:        manager,
		cfg:            cfg,
		importInterval: importInterval,
		log:            logger.GetLogger(),
	}
}

// Start registers the recurring jobs and launches the cron loop in the
// background. Fixed job IDs let the queue drop a tick that fires while the
// previous run of the same job is still pending.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.Every(s.cfg.SyncEvery).Do(func() {
		s.submit(ctx, queue.QueueSync, "scheduled-sync", queue.SyncPayload{})
	}); err != nil {
		return err
	}

	if _, err := s.cron.Every(s.cfg.ImportEvery).Do(func() {
		s.submit(ctx, queue.QueueImport, "scheduled-import", queue.ImportPayload{Interval: s.importInterval})
	}); err != nil {
		return err
	}

	if _, err := s.cron.Every(s.cfg.WarmEvery).Do(func() {
		s.submit(ctx, queue.QueueAnalysis, "scheduled-warm", queue.AnalysisPayload{Mode: queue.ModeWarmCache})
	}); err != nil {
		return err
	}

	s.cron.StartAsync()
	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"sync_every":   s.cfg.SyncEvery,
		"import_every": s.cfg.ImportEvery,
		"warm_every":   s.cfg.WarmEvery,
	}).Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

func (s *Scheduler) submit(ctx context.Context, name queue.Name, id string, payload queue.Payload) {
	if _, err := s.manager.Enqueue(ctx, name, id, payload); err != nil {
		s.log.WithComponent("scheduler").WithError(err).WithFields(logger.Fields{
			"queue": name,
		}).Error("failed to enqueue scheduled job")
	}
}
