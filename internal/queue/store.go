package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// JobStore mirrors queued jobs into shared persistence so an operator (or a
// restarted process) can see what was in flight. Reclaiming abandoned
// active jobs is the queue collaborator's visibility-timeout concern, not
// this process's.
type JobStore interface {
	SaveJob(ctx context.Context, job *Job) error
	RemoveJob(ctx context.Context, job *Job) error
}

// NopJobStore is used when no shared persistence is configured (tests).
type NopJobStore struct{}

func (NopJobStore) SaveJob(context.Context, *Job) error   { return nil }
func (NopJobStore) RemoveJob(context.Context, *Job) error { return nil }

type storedJob struct {
	ID         string          `json:"id"`
	Queue      Name            `json:"queue"`
	State      State           `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// RedisJobStore keeps one hash per queue under marketpulse:jobs:<queue>.
type RedisJobStore struct {
	client *redis.Client
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func jobHashKey(queue Name) string {
	return fmt.Sprintf("marketpulse:jobs:%s", queue)
}

func (s *RedisJobStore) SaveJob(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	record, err := json.Marshal(storedJob{
		ID:         job.ID,
		Queue:      job.Queue,
		State:      job.State,
		Payload:    payload,
		Attempts:   job.Attempts,
		EnqueuedAt: job.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := s.client.HSet(ctx, jobHashKey(job.Queue), job.ID, record).Err(); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) RemoveJob(ctx context.Context, job *Job) error {
	if err := s.client.HDel(ctx, jobHashKey(job.Queue), job.ID).Err(); err != nil {
		return fmt.Errorf("remove job %s: %w", job.ID, err)
	}
	return nil
}

var _ JobStore = (*RedisJobStore)(nil)
var _ JobStore = NopJobStore{}
