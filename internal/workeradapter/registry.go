package workeradapter

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/substrate/internal/substraterr"
)

const healthCheckTimeout = 10 * time.Second

// Registry is a lock-protected map from adapter id to instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	healthy  map[string]bool
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{adapters: make(map[string]Adapter), healthy: make(map[string]bool), log: log}
}

// Register adds or replaces an adapter. Not yet marked healthy until
// DiscoverHealthy runs.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns a registered adapter by id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, substraterr.New(substraterr.CodeNotFound, "registry.Get", "adapter not registered: "+id)
	}
	return a, nil
}

// IsHealthy reports the adapter's health as of the last DiscoverHealthy call.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[id]
}

// List returns every registered adapter id, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DiscoveryEntry is one adapter's outcome from a DiscoverHealthy pass.
type DiscoveryEntry struct {
	AdapterID string
	Result    HealthResult
}

// DiscoverHealthy runs every registered adapter's health check concurrently
// (bounded by errgroup's default unlimited-but-joined fan-out — the adapter
// set is always small), registers only the healthy ones as usable, and
// returns a report of every attempted adapter with its status.
func (r *Registry) DiscoverHealthy(ctx context.Context) ([]DiscoveryEntry, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	snapshot := make(map[string]Adapter, len(r.adapters))
	for id, a := range r.adapters {
		ids = append(ids, id)
		snapshot[id] = a
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	results := make([]HealthResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, healthCheckTimeout)
			defer cancel()
			results[i] = snapshot[id].HealthCheck(checkCtx)
			return nil
		})
	}
	// HealthCheck never errors by contract, so g.Wait only surfaces context
	// cancellation from the caller, never an adapter-reported failure.
	if err := g.Wait(); err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, "registry.DiscoverHealthy", err)
	}

	entries := make([]DiscoveryEntry, len(ids))
	r.mu.Lock()
	for i, id := range ids {
		entries[i] = DiscoveryEntry{AdapterID: id, Result: results[i]}
		r.healthy[id] = results[i].Healthy
		if !results[i].Healthy {
			r.log.Warn("adapter failed health check", "adapter", id, "error", results[i].Error)
		}
	}
	r.mu.Unlock()
	return entries, nil
}
