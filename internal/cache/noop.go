package cache

import (
	"context"
	"time"
)

// Noop is a Cache that never hits. Used when no cache backend is
// configured: every lookup is a miss and the system recomputes.
type Noop struct{}

var _ Cache = Noop{}

// Get always returns ErrMiss.
func (Noop) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrMiss
}

// Set discards the value.
func (Noop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {}

// Delete does nothing.
func (Noop) Delete(ctx context.Context, keys ...string) {}

// Ping always succeeds.
func (Noop) Ping(ctx context.Context) error { return nil }
