package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketpulse/config"
)

// recordingEnqueuer captures submissions in order without running anything.
type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []recordedJob
}

type recordedJob struct {
	name    Name
	id      string
	payload Payload
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, name Name, id string, payload Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, recordedJob{name, id, payload})
	return id, nil
}

func testStartupConfig() config.StartupConfig {
	return config.StartupConfig{
		ImportDelay: 10 * time.Second,
		WarmDelay:   60 * time.Second,
	}
}

func TestSequencerOrderAndDelays(t *testing.T) {
	clock := newFakeClock()
	enq := &recordingEnqueuer{}

	seq := NewSequencer(enq, testStartupConfig(), "5m")
	seq.SetClock(clock)
	seq.Run(context.Background())

	if len(enq.jobs) != 3 {
		t.Fatalf("sequencer enqueued %d jobs, want 3", len(enq.jobs))
	}
	wantOrder := []Name{QueueSync, QueueImport, QueueAnalysis}
	wantIDs := []string{"startup-sync", "startup-import", "startup-warm"}
	for i := range wantOrder {
		if enq.jobs[i].name != wantOrder[i] {
			t.Errorf("job %d queue = %q, want %q", i, enq.jobs[i].name, wantOrder[i])
		}
		if enq.jobs[i].id != wantIDs[i] {
			t.Errorf("job %d id = %q, want %q", i, enq.jobs[i].id, wantIDs[i])
		}
	}

	waits := clock.waits()
	if len(waits) != 2 {
		t.Fatalf("recorded %d waits (%v), want 2", len(waits), waits)
	}
	if waits[0] != 10*time.Second {
		t.Errorf("import delay = %v, want 10s", waits[0])
	}
	if waits[1] != 60*time.Second {
		t.Errorf("warm delay = %v, want 60s", waits[1])
	}

	if phase := seq.Phase(); phase != PhaseReady {
		t.Errorf("final phase = %q, want %q", phase, PhaseReady)
	}
}

func TestSequencerUsesConfiguredImportInterval(t *testing.T) {
	clock := newFakeClock()
	enq := &recordingEnqueuer{}

	seq := NewSequencer(enq, testStartupConfig(), "15m")
	seq.SetClock(clock)
	seq.Run(context.Background())

	var found bool
	for _, job := range enq.jobs {
		if job.name != QueueImport {
			continue
		}
		found = true
		payload, ok := job.payload.(ImportPayload)
		if !ok {
			t.Fatalf("import job carried payload %T, want ImportPayload", job.payload)
		}
		if payload.Interval != "15m" {
			t.Errorf("import interval = %q, want %q", payload.Interval, "15m")
		}
	}
	if !found {
		t.Fatal("no import job enqueued")
	}
}

func TestSequencerStopsOnCancelledContext(t *testing.T) {
	enq := &recordingEnqueuer{}
	seq := NewSequencer(enq, testStartupConfig(), "5m")
	// Real clock: the cancelled context must win before any timer fires.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seq.Run(ctx)

	if phase := seq.Phase(); phase == PhaseReady {
		t.Error("sequence reported ready despite cancelled context")
	}
	enq.mu.Lock()
	defer enq.mu.Unlock()
	if len(enq.jobs) > 1 {
		t.Errorf("sequencer enqueued %d jobs after cancellation, want at most the initial sync", len(enq.jobs))
	}
}

func TestSequencerAgainstManagerDeduplicates(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testQueuesConfig(), nil)
	m.SetClock(clock)

	// Handlers that never finish keep every startup job pending, so a
	// second run must not execute anything new.
	block := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	for _, name := range []Name{QueueSync, QueueImport, QueueAnalysis} {
		m.SetHandler(name, func(context.Context, *Job) error {
			mu.Lock()
			runs++
			mu.Unlock()
			<-block
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for i := 0; i < 2; i++ {
		seq := NewSequencer(m, config.StartupConfig{}, "5m")
		seq.SetClock(clock)
		seq.Run(ctx)
	}

	// Give the workers time to pick up whatever was queued.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := runs
	mu.Unlock()
	if got != 3 {
		t.Errorf("startup jobs executed %d times, want 3", got)
	}
	close(block)
}
