package cmd

import (
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sandbox"
	"github.com/nextlevelbuilder/goclaw/internal/skills"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// registerProviders builds one Provider per configured API key and
// registers it under its config-file name.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		reg.Register("anthropic", providers.NewAnthropicProvider(p.Anthropic.APIKey))
	}
	if p.OpenAI.APIKey != "" {
		reg.Register("openai", providers.NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.APIBase, "gpt-4o"))
	}
	if p.OpenRouter.APIKey != "" {
		reg.Register("openrouter", providers.NewOpenAIProvider("openrouter", p.OpenRouter.APIKey, orDefault(p.OpenRouter.APIBase, "https://openrouter.ai/api/v1"), "anthropic/claude-3.5-sonnet"))
	}
	if p.Groq.APIKey != "" {
		reg.Register("groq", providers.NewOpenAIProvider("groq", p.Groq.APIKey, orDefault(p.Groq.APIBase, "https://api.groq.com/openai/v1"), "llama-3.3-70b-versatile"))
	}
	if p.Gemini.APIKey != "" {
		reg.Register("gemini", providers.NewOpenAIProvider("gemini", p.Gemini.APIKey, orDefault(p.Gemini.APIBase, "https://generativelanguage.googleapis.com/v1beta/openai"), "gemini-2.0-flash"))
	}
	if p.DeepSeek.APIKey != "" {
		reg.Register("deepseek", providers.NewOpenAIProvider("deepseek", p.DeepSeek.APIKey, orDefault(p.DeepSeek.APIBase, "https://api.deepseek.com"), "deepseek-chat"))
	}
	if p.Mistral.APIKey != "" {
		reg.Register("mistral", providers.NewOpenAIProvider("mistral", p.Mistral.APIKey, orDefault(p.Mistral.APIBase, "https://api.mistral.ai/v1"), "mistral-large-latest"))
	}
	if p.XAI.APIKey != "" {
		reg.Register("xai", providers.NewOpenAIProvider("xai", p.XAI.APIKey, orDefault(p.XAI.APIBase, "https://api.x.ai/v1"), "grok-2-latest"))
	}
	if p.MiniMax.APIKey != "" {
		reg.Register("minimax", providers.NewOpenAIProvider("minimax", p.MiniMax.APIKey, orDefault(p.MiniMax.APIBase, "https://api.minimax.chat/v1"), "abab6.5s-chat"))
	}
	if p.Cohere.APIKey != "" {
		reg.Register("cohere", providers.NewOpenAIProvider("cohere", p.Cohere.APIKey, orDefault(p.Cohere.APIBase, "https://api.cohere.ai/compatibility/v1"), "command-r-plus"))
	}
	if p.Perplexity.APIKey != "" {
		reg.Register("perplexity", providers.NewOpenAIProvider("perplexity", p.Perplexity.APIKey, orDefault(p.Perplexity.APIBase, "https://api.perplexity.ai"), "sonar-pro"))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// createAgentLoop builds and registers one standalone-mode agent.Loop for
// agentID, merging config.AgentDefaults with any per-agent override.
func createAgentLoop(
	agentID string,
	cfg *config.Config,
	router *agent.Router,
	providerRegistry *providers.Registry,
	msgBus *bus.MessageBus,
	sessStore store.SessionStore,
	toolsReg *tools.Registry,
	toolPE *tools.PolicyEngine,
	contextFiles []bootstrap.ContextFile,
	skillsLoader *skills.Loader,
	hasMemory bool,
	sandboxMgr sandbox.Manager,
) error {
	settings := cfg.ResolveAgent(agentID)

	providerName := settings.Provider
	if providerName == "" {
		providerName = "anthropic"
	}
	provider, err := providerRegistry.Get(providerName)
	if err != nil {
		provider, err = providerRegistry.Default()
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
	}

	sandboxEnabled := sandboxMgr != nil && settings.Sandbox != nil && settings.Sandbox.Mode != "off"

	loop := agent.NewLoop(agent.LoopConfig{
		ID:                agentID,
		Provider:          provider,
		Model:             settings.Model,
		ContextWindow:     settings.ContextWindow,
		MaxIterations:     settings.MaxToolIterations,
		Workspace:         settings.Workspace,
		Bus:               msgBus,
		Sessions:          sessStore,
		Tools:             toolsReg,
		ToolPolicy:        toolPE,
		SkillsLoader:      skillsLoader,
		HasMemory:         hasMemory,
		ContextFiles:      contextFiles,
		CompactionCfg:     settings.Compaction,
		ContextPruningCfg: settings.ContextPruning,
		SandboxEnabled:    sandboxEnabled,
		InjectionAction:   cfg.Gateway.InjectionAction,
	})

	router.Register(agentID, loop)
	return nil
}
