// Package capability maintains the catalog of invokable capabilities:
// a process-wide static layer fed by config, skills, and builtin tools,
// plus per-agent overlay layers registered at runtime. Readiness is
// evaluated by per-kind probes and cached for a bounded time.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrelhq/petrel/pkg/models"
)

// probeParallelism caps concurrent probes during a bulk refresh.
const probeParallelism = 8

type entry struct {
	capability *models.Capability
	probe      Probe
}

// Options configures a Registry.
type Options struct {
	// StatusTTL bounds how long probe results are cached. Default: 5m.
	StatusTTL time.Duration

	Logger *slog.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Registry is the two-layer capability catalog. The static layer is
// process-wide; agent layers overlay runtime registrations and override
// static entries by name. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	static    map[string]*entry
	agents    map[string]map[string]*entry
	skillCaps map[string]struct{}

	cache  *statusCache
	logger *slog.Logger
	now    func() time.Time
	goos   string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		static:    make(map[string]*entry),
		agents:    make(map[string]map[string]*entry),
		skillCaps: make(map[string]struct{}),
		cache:     newStatusCache(opts.StatusTTL),
		logger:    logger.With("component", "capability"),
		now:       now,
		goos:      runtime.GOOS,
	}
}

// Register adds or replaces a capability in the static layer. A nil
// probe means always ready.
func (r *Registry) Register(c *models.Capability, probe Probe) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.static[c.Name]; exists {
		r.logger.Debug("capability replaced", "name", c.Name)
	}
	r.static[c.Name] = &entry{capability: c.Clone(), probe: probe}
	delete(r.skillCaps, c.Name)
	r.cache.invalidate(c.Name)
	return nil
}

// RegisterForAgent adds or replaces a capability in one agent's overlay
// layer, for example a dynamically bound HTTP endpoint.
func (r *Registry) RegisterForAgent(agentID string, c *models.Capability, probe Probe) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if c == nil || c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	layer := r.agents[agentID]
	if layer == nil {
		layer = make(map[string]*entry)
		r.agents[agentID] = layer
	}
	layer[c.Name] = &entry{capability: c.Clone(), probe: probe}
	r.cache.invalidate(agentKey(agentID, c.Name))
	return nil
}

// DropAgent removes an agent's entire overlay layer.
func (r *Registry) DropAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.agents[agentID] {
		r.cache.invalidate(agentKey(agentID, name))
	}
	delete(r.agents, agentID)
}

// Resolve returns a static capability by name.
func (r *Registry) Resolve(name string) (*models.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.static[name]
	if !ok {
		return nil, false
	}
	return e.capability.Clone(), true
}

// ResolveFor returns the capability an agent sees under name: its own
// overlay first, then the static layer.
func (r *Registry) ResolveFor(agentID, name string) (*models.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if layer, ok := r.agents[agentID]; ok {
		if e, ok := layer[name]; ok {
			return e.capability.Clone(), true
		}
	}
	e, ok := r.static[name]
	if !ok {
		return nil, false
	}
	return e.capability.Clone(), true
}

// AllFor returns the union of the static layer and the agent's overlay,
// overlay entries winning by name, sorted by name. Status is filled
// from the bounded cache; stale entries are probed in parallel.
func (r *Registry) AllFor(ctx context.Context, agentID string) []*models.Capability {
	r.mu.RLock()
	merged := make(map[string]*entry, len(r.static))
	keys := make(map[string]string, len(r.static))
	for name, e := range r.static {
		merged[name] = e
		keys[name] = name
	}
	for name, e := range r.agents[agentID] {
		merged[name] = e
		keys[name] = agentKey(agentID, name)
	}
	r.mu.RUnlock()

	statuses := r.fillStatuses(ctx, merged, keys)

	out := make([]*models.Capability, 0, len(merged))
	for name, e := range merged {
		c := e.capability.Clone()
		c.Status = statuses[name].Status
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns the probed status of a static capability, using the
// bounded cache.
func (r *Registry) Status(ctx context.Context, name string) (ProbeResult, error) {
	r.mu.RLock()
	e, ok := r.static[name]
	r.mu.RUnlock()
	if !ok {
		return ProbeResult{}, fmt.Errorf("unknown capability: %s", name)
	}
	if res, ok := r.cache.get(name, r.now()); ok {
		return res, nil
	}
	res := r.evaluate(ctx, e)
	r.cache.put(name, res, r.now())
	return res, nil
}

// RefreshStatus drops the cached status for one capability and probes
// it again.
func (r *Registry) RefreshStatus(ctx context.Context, name string) (ProbeResult, error) {
	r.cache.invalidate(name)
	return r.Status(ctx, name)
}

// RefreshAll drops every cached status and probes the whole static
// layer in parallel. Backs the user-facing refresh and the status
// report.
func (r *Registry) RefreshAll(ctx context.Context) map[string]ProbeResult {
	r.cache.invalidateAll()

	r.mu.RLock()
	statics := make(map[string]*entry, len(r.static))
	keys := make(map[string]string, len(r.static))
	for name, e := range r.static {
		statics[name] = e
		keys[name] = name
	}
	r.mu.RUnlock()

	return r.fillStatuses(ctx, statics, keys)
}

// fillStatuses resolves a status per entry, serving cached results and
// probing the rest concurrently. keys maps entry name to cache key so
// agent overlays do not collide with statics.
func (r *Registry) fillStatuses(ctx context.Context, entries map[string]*entry, keys map[string]string) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(entries))
	var resultsMu sync.Mutex

	g, probeCtx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	now := r.now()
	for name, e := range entries {
		key := keys[name]
		if res, ok := r.cache.get(key, now); ok {
			results[name] = res
			continue
		}
		g.Go(func() error {
			res := r.evaluate(probeCtx, e)
			r.cache.put(key, res, r.now())
			resultsMu.Lock()
			results[name] = res
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) evaluate(ctx context.Context, e *entry) ProbeResult {
	if !e.capability.SupportsOS(r.goos) {
		return ProbeResult{
			Status: models.StatusUnavailable,
			Detail: "not supported on " + r.goos,
		}
	}
	if e.probe == nil {
		return Ready
	}
	return e.probe(ctx)
}

func agentKey(agentID, name string) string {
	return agentID + "\x00" + name
}
