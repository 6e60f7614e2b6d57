package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"marketpulse/config"
	"marketpulse/logger"
)

// jobBuffer bounds how many jobs can sit queued per queue.
const jobBuffer = 64

// Handler executes one job. Returning an error triggers the queue's retry
// policy.
type Handler func(ctx context.Context, job *Job) error

// worker is one queue: a single goroutine draining a buffered channel, so
// at most one job of a kind is ever active.
type worker struct {
	name    Name
	policy  RetryPolicy
	handler Handler
	jobs    chan *Job

	mu      sync.Mutex
	pending map[string]struct{}

	onCompleted func(*Job)
	onFailed    func(*Job, error)
}

// Manager owns the three work queues and their worker goroutines.
type Manager struct {
	log     *logger.Log
	clock   Clock
	store   JobStore
	workers map[Name]*worker
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewManager(cfg config.QueuesConfig, store JobStore) *Manager {
	if store == nil {
		store = NopJobStore{}
	}
	m := &Manager{
		log:     logger.GetLogger(),
		clock:   RealClock(),
		store:   store,
		workers: make(map[Name]*worker, 3),
	}
	for name, policy := range map[Name]RetryPolicy{
		QueueSync:     {MaxAttempts: cfg.Sync.MaxAttempts, BaseDelay: cfg.Sync.BaseDelay},
		QueueImport:   {MaxAttempts: cfg.Import.MaxAttempts, BaseDelay: cfg.Import.BaseDelay},
		QueueAnalysis: {MaxAttempts: cfg.Analysis.MaxAttempts, BaseDelay: cfg.Analysis.BaseDelay},
	} {
		if policy.MaxAttempts <= 0 {
			policy.MaxAttempts = 1
		}
		m.workers[name] = &worker{
			name:    name,
			policy:  policy,
			jobs:    make(chan *Job, jobBuffer),
			pending: make(map[string]struct{}),
		}
	}
	return m
}

// SetClock replaces the wall clock. Call before Start.
func (m *Manager) SetClock(c Clock) {
	m.clock = c
}

// SetHandler installs the job handler for one queue. Call before Start.
func (m *Manager) SetHandler(name Name, h Handler) {
	if w, ok := m.workers[name]; ok {
		w.handler = h
	}
}

// OnCompleted registers a completion hook for one queue. Call before Start.
func (m *Manager) OnCompleted(name Name, fn func(*Job)) {
	if w, ok := m.workers[name]; ok {
		w.onCompleted = fn
	}
}

// OnFailed registers a terminal-failure hook for one queue. Call before Start.
func (m *Manager) OnFailed(name Name, fn func(*Job, error)) {
	if w, ok := m.workers[name]; ok {
		w.onFailed = fn
	}
}

// Start launches one worker goroutine per queue. Workers exit when the
// context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *worker) {
			defer m.wg.Done()
			m.runWorker(ctx, w)
		}(w)
	}

	m.log.WithComponent("queue").Info("queue workers started")
}

// Stop blocks until every worker goroutine has exited.
func (m *Manager) Stop() {
	m.wg.Wait()
	m.log.WithComponent("queue").Info("queue workers stopped")
}

// Enqueue submits a job. An empty id is replaced with a fresh UUID; a job
// whose id is already queued or active is not enqueued again, which keeps
// repeated startup submissions from producing duplicate executions.
func (m *Manager) Enqueue(ctx context.Context, name Name, id string, payload Payload) (string, error) {
	w, ok := m.workers[name]
	if !ok {
		return "", fmt.Errorf("unknown queue %q", name)
	}
	if !payloadMatches(name, payload) {
		return "", fmt.Errorf("payload %T does not belong on queue %q", payload, name)
	}
	if id == "" {
		id = uuid.NewString()
	}

	w.mu.Lock()
	if _, dup := w.pending[id]; dup {
		w.mu.Unlock()
		m.log.WithComponent("queue").WithFields(logger.Fields{
			"queue":  name,
			"job_id": id,
		}).Debug("duplicate enqueue ignored")
		return id, nil
	}
	w.pending[id] = struct{}{}
	w.mu.Unlock()

	job := &Job{
		ID:         id,
		Queue:      name,
		Payload:    payload,
		State:      StateQueued,
		EnqueuedAt: m.clock.Now(),
	}

	if err := m.store.SaveJob(ctx, job); err != nil {
		m.log.WithError(err).Warn("failed to mirror job to store")
	}

	select {
	case w.jobs <- job:
	default:
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		// The mirror was written before the send; a rejected job must not
		// leave a phantom queued record behind.
		if err := m.store.RemoveJob(ctx, job); err != nil {
			m.log.WithError(err).Warn("failed to remove rejected job from store")
		}
		return "", fmt.Errorf("queue %q is full", name)
	}

	m.log.WithComponent("queue").WithFields(logger.Fields{
		"queue":  name,
		"job_id": id,
	}).Info("job enqueued")
	return id, nil
}

func (m *Manager) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			m.process(ctx, w, job)
		}
	}
}

// process drives one job through its lifecycle, retrying with exponential
// backoff until it completes or exhausts the queue's attempts.
func (m *Manager) process(ctx context.Context, w *worker, job *Job) {
	log := m.log.WithComponent("queue_" + string(w.name))

	for {
		job.Attempts++
		job.State = StateActive
		log.WithFields(logger.Fields{
			"job_id":  job.ID,
			"attempt": job.Attempts,
		}).Info("job active")

		err := w.handler(ctx, job)
		if err == nil {
			job.State = StateCompleted
			m.settle(ctx, w, job)
			log.WithFields(logger.Fields{"job_id": job.ID}).Info("job completed")
			if w.onCompleted != nil {
				w.onCompleted(job)
			}
			return
		}

		log.WithError(err).WithFields(logger.Fields{
			"job_id":  job.ID,
			"attempt": job.Attempts,
		}).Warn("job attempt failed")

		if job.Attempts >= w.policy.MaxAttempts {
			job.State = StateFailed
			m.settle(ctx, w, job)
			log.WithError(err).WithFields(logger.Fields{
				"job_id":   job.ID,
				"attempts": job.Attempts,
			}).Error("job failed terminally")
			m.log.LogMetric("queue_"+string(w.name), "job_failed", int64(1), "counter", logger.Fields{
				"job_id": job.ID,
			})
			if w.onFailed != nil {
				w.onFailed(job, err)
			}
			return
		}

		if delay := Backoff(w.policy, job.Attempts); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(delay):
			}
		}
		job.State = StateQueued
	}
}

// settle drops a terminal job from the pending set and the shared mirror.
func (m *Manager) settle(ctx context.Context, w *worker, job *Job) {
	w.mu.Lock()
	delete(w.pending, job.ID)
	w.mu.Unlock()

	if err := m.store.RemoveJob(ctx, job); err != nil {
		m.log.WithError(err).Warn("failed to remove job from store")
	}
}

func payloadMatches(name Name, payload Payload) bool {
	switch name {
	case QueueSync:
		_, ok := payload.(SyncPayload)
		return ok
	case QueueImport:
		_, ok := payload.(ImportPayload)
		return ok
	case QueueAnalysis:
		_, ok := payload.(AnalysisPayload)
		return ok
	default:
		return false
	}
}
