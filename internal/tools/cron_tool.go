package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// CronTool lets an agent list, create, toggle, and remove its own scheduled
// jobs against the Cron Service.
type CronTool struct {
	svc *cron.Service
}

func NewCronTool(svc *cron.Service) *CronTool {
	return &CronTool{svc: svc}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs: action='list' (show jobs), 'create' (schedule a new job), 'toggle' (enable/disable), 'delete' (remove)."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "'list', 'create', 'toggle', or 'delete'.",
				"enum":        []string{"list", "create", "toggle", "delete"},
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job ID (required for toggle/delete).",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Display name for a new job (create).",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, e.g. '0 9 * * *' (create).",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to run through the agent when the job fires (create).",
			},
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "New enabled state (toggle).",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "list":
		return t.executeList()
	case "create":
		return t.executeCreate(args)
	case "toggle":
		return t.executeToggle(args)
	case "delete":
		return t.executeDelete(args)
	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", action))
	}
}

func (t *CronTool) executeList() *Result {
	jobs := t.svc.List(true)
	if len(jobs) == 0 {
		return NewResult("No scheduled jobs.")
	}
	var out string
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		out += fmt.Sprintf("- %s (%s) [%s]: %s\n", j.ID, j.Name, status, j.Schedule.Expr)
	}
	return NewResult(out)
}

func (t *CronTool) executeCreate(args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	expr, _ := args["schedule"].(string)
	message, _ := args["message"].(string)
	if expr == "" || message == "" {
		return ErrorResult("schedule and message are required")
	}

	job := store.CronJob{
		ID:      uuid.NewString(),
		Name:    name,
		Enabled: true,
		Schedule: store.CronSchedule{
			Kind: "cron",
			Expr: expr,
		},
		Payload: store.CronPayload{
			Kind:    "agentTurn",
			Message: message,
		},
		SessionTarget: "isolated",
	}
	if err := t.svc.Add(job); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Scheduled job %s (%s).", job.ID, expr))
}

func (t *CronTool) executeToggle(args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	enabled, _ := args["enabled"].(bool)
	if err := t.svc.SetEnabled(id, enabled); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Job %s %s.", id, map[bool]string{true: "enabled", false: "disabled"}[enabled]))
}

func (t *CronTool) executeDelete(args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	if err := t.svc.Remove(id); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Job %s deleted.", id))
}
