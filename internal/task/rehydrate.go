package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RehydrateFunc rebuilds an executable task of one type from its persisted
// ID and payload.
type RehydrateFunc func(id uuid.UUID, payload []byte, status TaskStatus) (Task, error)

// Rehydrator rebuilds executable tasks from persisted rows. The task store
// uses it when loading pending or interrupted tasks at recovery time.
type Rehydrator interface {
	// Rehydrate returns an executable task for the given row, or an error if
	// the type is unknown or the payload is malformed.
	Rehydrate(id uuid.UUID, taskType string, payload []byte, status TaskStatus) (Task, error)
}

// FactoryRegistry is a static lookup table from task type to rehydration
// function. All registrations happen at process start, before the runner
// recovers anything; lookups after that are read-only.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]RehydrateFunc
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]RehydrateFunc)}
}

// Register installs the rehydration function for a task type.
func (r *FactoryRegistry) Register(taskType string, fn RehydrateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = fn
}

// Rehydrate implements Rehydrator.
func (r *FactoryRegistry) Rehydrate(id uuid.UUID, taskType string, payload []byte, status TaskStatus) (Task, error) {
	r.mu.RLock()
	fn, ok := r.factories[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory registered for task type %q", taskType)
	}
	return fn(id, payload, status)
}
