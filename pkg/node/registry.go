package node

import (
	"context"
	"sort"
	"sync"

	"github.com/workernodes/workernodes/pkg/logging"
)

// Registry tracks the live workers of a node. Exited workers are removed, so
// listing it yields exactly the identifiers that can still be attached to.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	log     *logging.Logger
}

// NewRegistry creates an empty worker registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		log:     log,
	}
}

// Add registers a live worker.
func (r *Registry) Add(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.ID] = w
}

// Get retrieves a live worker by identifier.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Remove drops a worker from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// IDs returns the live worker identifiers, sorted for stable output.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Shutdown terminates every live worker. Used during node teardown.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	for _, w := range workers {
		if err := w.Terminate(); err != nil {
			r.log.Warn("Failed to terminate worker during shutdown", map[string]interface{}{
				"worker_id": w.ID,
				"error":     err.Error(),
			})
		}
	}
	return nil
}
