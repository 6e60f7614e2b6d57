package queue

import "time"

// Name identifies one of the three work queues.
type Name string

const (
	QueueSync     Name = "sync"
	QueueImport   Name = "import"
	QueueAnalysis Name = "analysis"
)

// State is a job's lifecycle position.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AnalysisMode selects what an analysis job does.
type AnalysisMode string

const (
	ModeWarmCache AnalysisMode = "warm-cache"
	ModeCalculate AnalysisMode = "calculate"
)

// Payload is the closed set of job payloads. Exactly one concrete type
// exists per queue.
type Payload interface {
	isPayload()
}

// SyncPayload carries no parameters; a sync job always does a full sync.
type SyncPayload struct{}

// ImportPayload selects the candle interval to import.
type ImportPayload struct {
	Interval string `json:"interval"`
}

// AnalysisPayload selects between warming every standard window and
// computing a single one.
type AnalysisPayload struct {
	Mode   AnalysisMode `json:"mode"`
	Window int          `json:"window,omitempty"`
}

func (SyncPayload) isPayload()     {}
func (ImportPayload) isPayload()   {}
func (AnalysisPayload) isPayload() {}

// Job is one unit of work owned by the orchestrator.
type Job struct {
	ID         string
	Queue      Name
	Payload    Payload
	Attempts   int
	State      State
	EnqueuedAt time.Time
}
