package tools

import (
	"context"
	"fmt"
)

// SpawnTool lets an agent start a subagent in the background. The subagent
// runs independently and its result is announced back via the message bus
// when it finishes.
type SpawnTool struct {
	mgr     *SubagentManager
	agentID string
	depth   int
}

func NewSpawnTool(mgr *SubagentManager, agentID string, depth int) *SpawnTool {
	return &SpawnTool{mgr: mgr, agentID: agentID, depth: depth}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a subagent to handle a task in the background. The subagent runs independently and reports back when done."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the task (for display).",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override for this subagent.",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task parameter is required")
	}
	label, _ := args["label"].(string)
	modelOverride, _ := args["model"].(string)

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	peerKind := ToolPeerKindFromCtx(ctx)
	callback := ToolAsyncCBFromCtx(ctx)

	msg, err := t.mgr.Spawn(ctx, t.agentID, t.depth, task, label, modelOverride, channel, chatID, peerKind, callback)
	if err != nil {
		return ErrorResult(err.Error())
	}

	forLLM := fmt.Sprintf(`{"status":"accepted","label":%q}
%s
Subagents announce results when done - do NOT wait or poll for them.`, label, msg)
	return AsyncResult(forLLM)
}

// SubagentCancelTool lets an agent abort a misbehaving background subagent
// and every subagent it has itself spawned, rather than leaving an orphaned
// sub-tree running unattended.
type SubagentCancelTool struct {
	mgr *SubagentManager
}

func NewSubagentCancelTool(mgr *SubagentManager) *SubagentCancelTool {
	return &SubagentCancelTool{mgr: mgr}
}

func (t *SubagentCancelTool) Name() string { return "subagent_cancel" }

func (t *SubagentCancelTool) Description() string {
	return "Cancel a running subagent (spawned via 'spawn') and any subagents it has itself spawned."
}

func (t *SubagentCancelTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "The subagent id returned by 'spawn' to cancel.",
			},
		},
		"required": []string{"id"},
	}
}

func (t *SubagentCancelTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id parameter is required")
	}
	n := t.mgr.CancelTree(id)
	return NewResult(fmt.Sprintf(`{"cancelled":%d}`, n))
}

// SubagentTool runs a subagent synchronously, blocking until it finishes and
// returning the full result in this turn.
type SubagentTool struct {
	mgr     *SubagentManager
	agentID string
	depth   int
}

func NewSubagentTool(mgr *SubagentManager, agentID string, depth int) *SubagentTool {
	return &SubagentTool{mgr: mgr, agentID: agentID, depth: depth}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Description() string {
	return "Run a subagent synchronously and block until it completes. Use for a task whose result you need before continuing."
}

func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the task (for display).",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task parameter is required")
	}
	label, _ := args["label"].(string)
	if label == "" {
		label = truncate(task, 50)
	}

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)

	result, iterations, err := t.mgr.RunSync(ctx, t.agentID, t.depth, task, label, channel, chatID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("subagent '%s' failed: %v", label, err))
	}

	forUser := fmt.Sprintf("Subagent '%s' completed.", label)
	if len(result) > 500 {
		forUser += "\n" + result[:500] + "..."
	} else {
		forUser += "\n" + result
	}
	forLLM := fmt.Sprintf("Subagent '%s' completed in %d iterations.\n\nFull result:\n%s", label, iterations, result)

	return &Result{ForLLM: forLLM, ForUser: forUser}
}
