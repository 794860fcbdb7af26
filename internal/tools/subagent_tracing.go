package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// emitLLMSpan records an LLM call span for a subagent iteration.
func (sm *SubagentManager) emitLLMSpan(ctx context.Context, start time.Time, iteration int, model string, messages []providers.Message, resp *providers.ChatResponse, callErr error) {
	collector := tracing.CollectorFromContext(ctx)
	traceID := tracing.TraceIDFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:    traceID,
		SpanType:   store.SpanTypeLLMCall,
		Name:       fmt.Sprintf("%s/%s #%d", sm.provider.Name(), model, iteration),
		StartTime:  start,
		EndTime:    &now,
		DurationMS: int(now.Sub(start).Milliseconds()),
		Model:      model,
		Provider:   sm.provider.Name(),
		Status:     store.SpanStatusCompleted,
		Level:      store.SpanLevelDefault,
		CreatedAt:  now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}

	if collector.Verbose() && len(messages) > 0 {
		if b, err := json.Marshal(messages); err == nil {
			span.InputPreview = truncate(string(b), 50000)
		}
	}

	if callErr != nil {
		span.Status = store.SpanStatusError
		span.Error = callErr.Error()
	} else if resp != nil {
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
		span.FinishReason = resp.FinishReason
		span.OutputPreview = truncate(resp.Content, 500)
	}
	collector.EmitSpan(span)
}

// emitToolSpan records a tool call span for a subagent tool execution.
func (sm *SubagentManager) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input, output string, isError bool) {
	collector := tracing.CollectorFromContext(ctx)
	traceID := tracing.TraceIDFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:       traceID,
		SpanType:      store.SpanTypeToolCall,
		Name:          toolName,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    int(now.Sub(start).Milliseconds()),
		ToolName:      toolName,
		ToolCallID:    toolCallID,
		InputPreview:  truncate(input, 500),
		OutputPreview: truncate(output, 500),
		Status:        store.SpanStatusCompleted,
		Level:         store.SpanLevelDefault,
		CreatedAt:     now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if isError {
		span.Status = store.SpanStatusError
		span.Error = truncate(output, 200)
	}
	collector.EmitSpan(span)
}

// emitSubagentSpan records the root "agent" span for the subagent execution,
// parenting all LLM/tool spans emitted within this subagent run.
func (sm *SubagentManager) emitSubagentSpan(ctx context.Context, spanID uuid.UUID, start time.Time, task *SubagentTask, model string, output string) {
	collector := tracing.CollectorFromContext(ctx)
	traceID := tracing.TraceIDFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	parentSpanID := tracing.ParentSpanIDFromContext(ctx)

	now := time.Now().UTC()
	span := store.SpanData{
		ID:            spanID,
		TraceID:       traceID,
		SpanType:      store.SpanTypeAgent,
		Name:          fmt.Sprintf("subagent:%s", task.Label),
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    int(now.Sub(start).Milliseconds()),
		Model:         model,
		Provider:      sm.provider.Name(),
		OutputPreview: truncate(output, 500),
		Status:        store.SpanStatusCompleted,
		Level:         store.SpanLevelDefault,
		CreatedAt:     now,
	}
	if parentSpanID != uuid.Nil {
		span.ParentSpanID = &parentSpanID
	}
	if task.Status == TaskStatusFailed || task.Status == TaskStatusCancelled {
		span.Status = store.SpanStatusError
		span.Error = truncate(task.Result, 200)
	}
	collector.EmitSpan(span)
}

// scheduleArchive removes a completed task from the in-memory map after d,
// bounding memory growth for long-lived gateway processes.
func (sm *SubagentManager) scheduleArchive(taskID string, d time.Duration) {
	time.Sleep(d)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t, ok := sm.tasks[taskID]; ok && t.Status != TaskStatusRunning {
		delete(sm.tasks, taskID)
	}
}

func generateSubagentID() string {
	return "sub_" + uuid.New().String()[:8]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
