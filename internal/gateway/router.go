package gateway

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// HandlerFunc processes one RequestFrame for a connected client.
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches inbound RequestFrames by method name to the
// handler registered for it. Each *Methods group (SessionsMethods,
// CronMethods, ...) registers its methods once at startup via Register.
type MethodRouter struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRouter builds an empty MethodRouter bound to server.
func NewMethodRouter(server *Server) *MethodRouter {
	return &MethodRouter{server: server, handlers: make(map[string]HandlerFunc)}
}

// Register binds method to fn. A second registration for the same
// method replaces the first (last registrant wins), which lets tests
// and optional feature modules override a default handler.
func (r *MethodRouter) Register(method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

// Dispatch invokes the handler registered for req.Method, or replies
// with ErrUnknownMethod if none exists.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	fn, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method))
		return
	}
	fn(ctx, client, req)
}

// Methods returns the set of currently registered method names, sorted
// callers only need this for diagnostics so no particular order is
// guaranteed beyond map iteration.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}
