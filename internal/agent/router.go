package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Agent is anything that can execute a RunRequest, satisfied by *Loop.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	ID() string
	Model() string
	IsRunning() bool
}

// ResolverFunc lazily constructs (or looks up) the Agent for agentID,
// called on a Router miss before giving up; nil means the router only
// ever serves explicitly Registered agents.
type ResolverFunc func(agentID string) (Agent, error)

// Router is the in-memory agentID -> Agent registry the rest of the
// gateway (console handlers, the scheduler's RunFunc, cron's
// AgentJobFunc) looks agents up through.
type Router struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	resolver ResolverFunc
}

// NewRouter builds an empty Router. Use Register to seed agents directly,
// or SetResolver to resolve them lazily on first Get.
func NewRouter() *Router {
	return &Router{agents: make(map[string]Agent)}
}

// SetResolver wires a fallback constructor consulted by Get on a miss.
func (r *Router) SetResolver(fn ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = fn
}

// Register adds or replaces the Agent served for agentID.
func (r *Router) Register(agentID string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = a
}

// Get returns the Agent for agentID, resolving it via the configured
// ResolverFunc (and caching the result) if not already registered.
func (r *Router) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	resolver := r.resolver
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("agent: no agent registered for %q", agentID)
	}

	resolved, err := resolver(agentID)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve %q: %w", agentID, err)
	}
	r.Register(agentID, resolved)
	return resolved, nil
}

// List returns the currently registered agent IDs, sorted for stable
// display in console/status output.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InvalidateAgent drops agentID from the cache, forcing the next Get to
// re-resolve it. Safe to call for an agentID that isn't cached.
func (r *Router) InvalidateAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// InvalidateAll clears the entire cache, forcing every subsequent Get to
// re-resolve through the resolver.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
}
