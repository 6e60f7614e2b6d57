package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports an absent key. Callers treat a miss as "compute and
// populate", never as a fault.
var ErrMiss = errors.New("cache: key not found")

// Cache is the byte-oriented contract the analysis engine populates.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}
