package tools

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/skills"
)

// SkillSearchTool lets the agent discover skills by keyword when there
// are too many to inline into the system prompt.
type SkillSearchTool struct {
	loader *skills.Loader
}

func NewSkillSearchTool(loader *skills.Loader) *SkillSearchTool {
	return &SkillSearchTool{loader: loader}
}

func (t *SkillSearchTool) Name() string { return "skill_search" }

func (t *SkillSearchTool) Description() string {
	return "Search available skills by keyword and return their full instructions."
}

func (t *SkillSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keyword to search skill names, descriptions, and body text",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SkillSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.loader == nil {
		return ErrorResult("skills are not configured")
	}
	query, _ := args["query"].(string)

	matches := t.loader.Search(query, nil)
	if len(matches) == 0 {
		return SilentResult("no matching skills found")
	}

	out := ""
	for _, s := range matches {
		out += "## " + s.Name + "\n" + s.Body + "\n\n"
	}
	return SilentResult(out)
}
