package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Trace and span types below back the optional observability path: a Loop
// only touches them when constructed with a non-nil tracing.Collector, which
// the standalone gateway wiring never does. They exist so the instrumented
// call sites in internal/agent and internal/tools compile and stay ready for
// a future collector implementation (e.g. one that writes to Postgres).

// TraceStatus is the lifecycle state of a TraceData record.
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusError     TraceStatus = "error"
	TraceStatusCancelled TraceStatus = "cancelled"
)

// SpanType categorizes a SpanData record.
type SpanType string

const (
	SpanTypeAgent    SpanType = "agent"
	SpanTypeLLMCall  SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// SpanStatus is the outcome of a single span.
type SpanStatus string

const (
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusError     SpanStatus = "error"
)

// SpanLevelDefault is the default severity level attached to emitted spans.
const SpanLevelDefault = "DEFAULT"

// TraceData is the root record for one agent run.
type TraceData struct {
	ID            uuid.UUID
	RunID         string
	SessionKey    string
	UserID        string
	Channel       string
	Name          string
	InputPreview  string
	OutputPreview string
	Status        TraceStatus
	StartTime     time.Time
	EndTime       *time.Time
	CreatedAt     time.Time
	AgentID       *uuid.UUID
	ParentTraceID *uuid.UUID
	Tags          map[string]string
	Error         string
}

// SpanData is one LLM call, tool call, or agent-run span within a trace.
type SpanData struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID
	AgentID      *uuid.UUID
	SpanType     SpanType
	Name         string
	StartTime    time.Time
	EndTime      *time.Time
	DurationMS   int
	Model        string
	Provider     string
	ToolName     string
	ToolCallID   string
	Status       SpanStatus
	Level        string
	Error        string
	FinishReason string
	InputPreview  string
	OutputPreview string
	InputTokens  int
	OutputTokens int
	Metadata     []byte
	CreatedAt    time.Time
}

// GenNewID mints a fresh random ID for traces, spans, and other store
// records that don't derive their identity from caller-supplied data.
func GenNewID() uuid.UUID {
	return uuid.New()
}

type contextKey string

const ctxAgentID contextKey = "store_agent_id"
const ctxUserID contextKey = "store_user_id"

// WithAgentID attaches the managed-mode agent UUID to ctx so downstream tool
// execution and tracing can scope records to it.
func WithAgentID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

// AgentIDFromContext returns the agent UUID set by WithAgentID, or uuid.Nil.
func AgentIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAgentID).(uuid.UUID)
	return id
}

// WithUserID attaches the originating user's external ID to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// UserIDFromContext returns the user ID set by WithUserID, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}
