// Package tracing carries an optional trace/span collector through a
// request's context.Context so the agent loop and subagent executor can
// record LLM and tool spans without every call site needing to know whether
// tracing is active. The standalone gateway never constructs a Collector, so
// all of this is a no-op there; it exists for a managed-mode deployment that
// wires a persistence-backed TracingStore in.
package tracing

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// TracingStore persists traces and spans. A managed-mode deployment backs
// this with Postgres; the standalone gateway has no implementation and
// leaves the Collector unconstructed.
type TracingStore interface {
	CreateTrace(ctx context.Context, trace *store.TraceData) error
	FinishTrace(ctx context.Context, traceID uuid.UUID, status store.TraceStatus, errMsg, outputPreview string) error
	EmitSpan(ctx context.Context, span store.SpanData) error
}

// Collector records traces and spans to a TracingStore. It also gates
// whether full message/output previews are captured (Verbose) to avoid
// bloating trace storage by default.
type Collector struct {
	store   TracingStore
	verbose bool
}

// NewCollector wraps a TracingStore. verbose defaults to false; call
// SetVerbose to enable full input/output previews on spans.
func NewCollector(s TracingStore) *Collector {
	return &Collector{store: s}
}

// SetVerbose toggles full message/output capture on spans (e.g. driven by a
// GOCLAW_TRACE_VERBOSE environment variable).
func (c *Collector) SetVerbose(v bool) {
	if c == nil {
		return
	}
	c.verbose = v
}

// Verbose reports whether full previews should be captured.
func (c *Collector) Verbose() bool {
	return c != nil && c.verbose
}

// CreateTrace starts a new trace record.
func (c *Collector) CreateTrace(ctx context.Context, trace *store.TraceData) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.CreateTrace(ctx, trace)
}

// FinishTrace closes out a trace with its final status.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status store.TraceStatus, errMsg, outputPreview string) {
	if c == nil || c.store == nil {
		return
	}
	_ = c.store.FinishTrace(ctx, traceID, status, errMsg, outputPreview)
}

// EmitSpan records a completed span.
func (c *Collector) EmitSpan(span store.SpanData) {
	if c == nil || c.store == nil {
		return
	}
	_ = c.store.EmitSpan(context.Background(), span)
}

type ctxKey string

const (
	keyTraceID               ctxKey = "tracing_trace_id"
	keyCollector              ctxKey = "tracing_collector"
	keyParentSpanID           ctxKey = "tracing_parent_span_id"
	keyAnnounceParentSpanID   ctxKey = "tracing_announce_parent_span_id"
	keyDelegateParentTraceID  ctxKey = "tracing_delegate_parent_trace_id"
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyTraceID, id)
}

func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyTraceID).(uuid.UUID)
	return id
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, keyCollector, c)
}

func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(keyCollector).(*Collector)
	return c
}

// WithParentSpanID sets the span that subsequent LLM/tool spans nest under.
func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyParentSpanID, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyParentSpanID).(uuid.UUID)
	return id
}

// WithAnnounceParentSpanID marks an announce-triggered run as nesting under
// the root span of the agent run that spawned it.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyAnnounceParentSpanID, id)
}

func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyAnnounceParentSpanID).(uuid.UUID)
	return id
}

// WithDelegateParentTraceID links a delegated run's trace back to the trace
// of the agent that delegated to it.
func WithDelegateParentTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyDelegateParentTraceID, id)
}

func DelegateParentTraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyDelegateParentTraceID).(uuid.UUID)
	return id
}
