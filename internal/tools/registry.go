package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Tool is the minimal surface every registered tool implements. Tools that
// need request-scoped data (channel, session, sandbox key, ...) read it back
// out of ctx via the WithTool*/Tool*FromCtx helpers in context_keys.go rather
// than through mutable setter fields, so a single Tool instance is safe to
// run concurrently across sessions.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers a tool's result once it finishes running in the
// background, for tools (spawn, subagent) that return an AsyncResult
// immediately and report completion later.
type AsyncCallback func(ctx context.Context, result *Result)

// ToProviderDef converts a registered Tool into the provider-facing
// function schema the LLM sees.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Registry holds the set of tools available to an agent, plus the
// cross-cutting policy (rate limiting, credential scrubbing) applied to
// every call that passes through ExecuteWithContext.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	rateLimiter *ToolRateLimiter
	scrub       bool
}

// NewRegistry creates an empty registry with credential scrubbing enabled
// by default.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		scrub: true,
	}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name. No-op if absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the names of every registered tool.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SetRateLimiter installs a per-session sliding-window rate limiter applied
// to every ExecuteWithContext call.
func (r *Registry) SetRateLimiter(rl *ToolRateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimiter = rl
}

// SetScrubbing toggles credential scrubbing of tool output before it is
// handed back to the LLM.
func (r *Registry) SetScrubbing(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrub = enabled
}

// ProviderDefs returns the provider-facing schema for every registered tool.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToProviderDef(t))
	}
	return defs
}

// Execute runs a tool by name with no request-scoped context injected.
// Used by subagents, which don't carry a channel/session identity.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return r.run(ctx, t, args)
}

// ExecuteWithContext runs a tool by name, injecting the calling request's
// channel/chatID/peerKind/sessionKey/async-callback into ctx so the tool
// can read them back via the context_keys.go helpers.
func (r *Registry) ExecuteWithContext(
	ctx context.Context,
	name string,
	args map[string]interface{},
	channel, chatID, peerKind, sessionKey string,
	callback AsyncCallback,
) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSessionKey(ctx, sessionKey)
	if callback != nil {
		ctx = WithToolAsyncCB(ctx, callback)
	}

	if r.rateLimiter != nil && !r.rateLimiter.Allow(sessionKey, name) {
		return ErrorResult(fmt.Sprintf("tool %q rate limit exceeded for this session", name))
	}

	return r.run(ctx, t, args)
}

func (r *Registry) run(ctx context.Context, t Tool, args map[string]interface{}) *Result {
	result := t.Execute(ctx, args)
	r.mu.RLock()
	scrub := r.scrub
	r.mu.RUnlock()
	if scrub && result != nil && !result.IsError {
		result.ForLLM = ScrubCredentials(result.ForLLM)
	}
	return result
}
