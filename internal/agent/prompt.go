package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/bootstrap"
)

// PromptMode controls how much scaffolding goes into the system prompt.
type PromptMode int

const (
	// PromptFull is used for normal main-session chat turns: full tool
	// guidance, workspace context files, skills summary.
	PromptFull PromptMode = iota
	// PromptMinimal is used for subagent and cron runs: a terser prompt
	// that skips the workspace context files.
	PromptMinimal
)

// SystemPromptConfig carries everything BuildSystemPrompt needs to render
// one agent's system prompt for one turn.
type SystemPromptConfig struct {
	AgentID        string
	Model          string
	Workspace      string
	Channel        string
	OwnerIDs       []string
	Mode           PromptMode
	ToolNames      []string
	SkillsSummary  string
	HasMemory      bool
	HasSpawn       bool
	HasSkillSearch bool
	ContextFiles   []bootstrap.ContextFile
	ExtraPrompt    string

	SandboxEnabled         bool
	SandboxContainerDir    string
	SandboxWorkspaceAccess string
}

// BuildSystemPrompt renders the full system prompt for one agent turn:
// identity/workspace header, tool capability notes, context file
// contents (full mode only), skills summary, and any caller-supplied
// extra prompt text (subagent/cron framing, delegation info).
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are agent %q running model %s.\n", cfg.AgentID, cfg.Model)
	if cfg.Workspace != "" {
		fmt.Fprintf(&b, "Your workspace is %s.\n", cfg.Workspace)
	}
	if cfg.Channel != "" {
		fmt.Fprintf(&b, "You are replying on the %s channel.\n", cfg.Channel)
	}
	if len(cfg.OwnerIDs) > 0 {
		fmt.Fprintf(&b, "Your owner IDs: %s.\n", strings.Join(cfg.OwnerIDs, ", "))
	}

	if cfg.SandboxEnabled {
		fmt.Fprintf(&b, "\nShell and file tools run inside an isolated sandbox container "+
			"rooted at %s, with %s workspace access.\n", cfg.SandboxContainerDir, cfg.SandboxWorkspaceAccess)
	}

	if len(cfg.ToolNames) > 0 {
		b.WriteString("\nAvailable tools: ")
		b.WriteString(strings.Join(cfg.ToolNames, ", "))
		b.WriteString(".\n")
	}
	if cfg.HasMemory {
		b.WriteString("You have a persistent memory store: use memory_search/memory_get to recall prior context.\n")
	}
	if cfg.HasSpawn {
		b.WriteString("You can delegate work to subagents with the spawn tool.\n")
	}
	if cfg.HasSkillSearch && cfg.SkillsSummary == "" {
		b.WriteString("Use skill_search to discover and load relevant skills before acting.\n")
	}

	if cfg.Mode == PromptFull {
		for _, cf := range cfg.ContextFiles {
			if strings.TrimSpace(cf.Content) == "" {
				continue
			}
			fmt.Fprintf(&b, "\n<%s>\n%s\n</%s>\n", cf.Path, cf.Content, cf.Path)
		}
	}

	if cfg.SkillsSummary != "" {
		b.WriteString("\n")
		b.WriteString(cfg.SkillsSummary)
		b.WriteString("\n")
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}
