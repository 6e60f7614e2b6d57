package queue

import (
	"context"
	"sync"
	"time"

	"marketpulse/config"
	"marketpulse/logger"
)

// Phase names the stage the startup sequence has reached.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSyncing   Phase = "syncing"
	PhaseImporting Phase = "importing"
	PhaseWarming   Phase = "warming"
	PhaseReady     Phase = "ready"
)

// Fixed IDs keep a restarted sequencer from stacking duplicate startup jobs
// behind ones still pending.
const (
	startupSyncID   = "startup-sync"
	startupImportID = "startup-import"
	startupWarmID   = "startup-warm"
)

// Enqueuer is the slice of the Manager the sequencer drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, name Name, id string, payload Payload) (string, error)
}

// Sequencer staggers the initial sync, import and cache-warm jobs so each
// stage has data from the previous one to work with. Stages are fire and
// forget: the delays are fixed offsets, not completion waits.
type Sequencer struct {
	manager        Enqueuer
	clock          Clock
	importDelay    time.Duration
	warmDelay      time.Duration
	importInterval string
	log            *logger.Log

	mu    sync.Mutex
	phase Phase
}

func NewSequencer(manager Enqueuer, cfg config.StartupConfig, importInterval string) *Sequencer {
	if importInterval == "" {
		importInterval = "5m"
	}
	return &Sequencer{
		manager:        manager,
		clock:          RealClock(),
		importDelay:    cfg.ImportDelay,
		warmDelay:      cfg.WarmDelay,
		importInterval: importInterval,
		log:            logger.GetLogger(),
		phase:          PhaseIdle,
	}
}

// SetClock replaces the wall clock. Call before Run.
func (s *Sequencer) SetClock(c Clock) {
	s.clock = c
}

// Phase reports the stage the sequence has reached.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Sequencer) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.log.WithComponent("sequencer").WithFields(logger.Fields{"phase": p}).Info("startup phase")
}

// Run walks the startup sequence: sync immediately, import after the
// configured delay, warm the ranking cache after a further delay. Enqueue
// failures are logged and the sequence moves on; the periodic scheduler
// covers the gap. Run blocks until the sequence completes or the context
// is cancelled.
func (s *Sequencer) Run(ctx context.Context) {
	s.setPhase(PhaseSyncing)
	if _, err := s.manager.Enqueue(ctx, QueueSync, startupSyncID, SyncPayload{}); err != nil {
		s.log.WithComponent("sequencer").WithError(err).Error("failed to enqueue startup sync")
	}

	if !s.wait(ctx, s.importDelay) {
		return
	}
	s.setPhase(PhaseImporting)
	if _, err := s.manager.Enqueue(ctx, QueueImport, startupImportID, ImportPayload{Interval: s.importInterval}); err != nil {
		s.log.WithComponent("sequencer").WithError(err).Error("failed to enqueue startup import")
	}

	if !s.wait(ctx, s.warmDelay) {
		return
	}
	s.setPhase(PhaseWarming)
	if _, err := s.manager.Enqueue(ctx, QueueAnalysis, startupWarmID, AnalysisPayload{Mode: ModeWarmCache}); err != nil {
		s.log.WithComponent("sequencer").WithError(err).Error("failed to enqueue startup cache warm")
	}

	s.setPhase(PhaseReady)
}

func (s *Sequencer) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}
