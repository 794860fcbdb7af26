package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// SessionData holds conversation state for one session.
type SessionData struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	AgentUUID uuid.UUID `json:"agentUUID,omitempty"` // DB agent UUID (managed mode)
	UserID    string    `json:"userID,omitempty"`    // External user ID (e.g. Telegram user ID)

	Model                      string `json:"model,omitempty"`
	Provider                   string `json:"provider,omitempty"`
	Channel                    string `json:"channel,omitempty"`
	InputTokens                int64  `json:"inputTokens,omitempty"`
	OutputTokens               int64  `json:"outputTokens,omitempty"`
	CompactionCount            int    `json:"compactionCount,omitempty"`
	MemoryFlushCompactionCount int    `json:"memoryFlushCompactionCount,omitempty"`
	MemoryFlushAt              int64  `json:"memoryFlushAt,omitempty"`
	Label                      string `json:"label,omitempty"`
	SpawnedBy                  string `json:"spawnedBy,omitempty"`
	SpawnDepth                 int    `json:"spawnDepth,omitempty"`

	// Adaptive throttle: cached per-session so scheduler reads without DB lookup.
	ContextWindow    int `json:"contextWindow,omitempty"`    // agent's context window (set on first run)
	LastPromptTokens int `json:"lastPromptTokens,omitempty"` // actual prompt tokens from last LLM response
	LastMessageCount int `json:"lastMessageCount,omitempty"` // message count at time of last LLM call

	// SessionEntry run-state resolved by Session Init and mutated by the
	// Agent Runner; see internal/sessions.Session for field semantics.
	SessionID           string   `json:"sessionId,omitempty"`
	AbortedLastRun      bool     `json:"abortedLastRun,omitempty"`
	ThinkingLevel       string   `json:"thinkingLevel,omitempty"`
	VerboseLevel        string   `json:"verboseLevel,omitempty"`
	ReasoningLevel      string   `json:"reasoningLevel,omitempty"`
	ModelOverride       string   `json:"modelOverride,omitempty"`
	ProviderOverride    string   `json:"providerOverride,omitempty"`
	TTSAuto             bool     `json:"ttsAuto,omitempty"`
	CacheReadTokens     int64    `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens    int64    `json:"cacheWriteTokens,omitempty"`
	ContextTokens       int      `json:"contextTokens,omitempty"`
	ForkedFromParent    string   `json:"forkedFromParent,omitempty"`
	LastChannel         string   `json:"lastChannel,omitempty"`
	LastTo              string   `json:"lastTo,omitempty"`
	LastAccountID       string   `json:"lastAccountId,omitempty"`
	LastThreadID        string   `json:"lastThreadId,omitempty"`
	ChatType            string   `json:"chatType,omitempty"`
	DisplayName         string   `json:"displayName,omitempty"`
	SkillsSnapshot      []string `json:"skillsSnapshot,omitempty"`
	AuthProfileOverride string   `json:"authProfileOverride,omitempty"`
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// SessionListOpts holds pagination options for ListPaged.
type SessionListOpts struct {
	AgentID string
	Limit   int
	Offset  int
}

// SessionListResult is the paginated result of ListPaged.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// SessionStore manages conversation sessions.
type SessionStore interface {
	GetOrCreate(key string) *SessionData
	AddMessage(key string, msg providers.Message)
	GetHistory(key string) []providers.Message
	GetSummary(key string) string
	SetSummary(key, summary string)
	SetLabel(key, label string)
	SetAgentInfo(key string, agentUUID uuid.UUID, userID string)
	UpdateMetadata(key, model, provider, channel string)
	AccumulateTokens(key string, input, output int64)
	IncrementCompaction(key string)
	GetCompactionCount(key string) int
	GetMemoryFlushCompactionCount(key string) int
	SetMemoryFlushDone(key string)
	SetSpawnInfo(key, spawnedBy string, depth int)
	SetContextWindow(key string, cw int)
	GetContextWindow(key string) int
	SetLastPromptTokens(key string, tokens, msgCount int)
	GetLastPromptTokens(key string) (tokens, msgCount int)
	TruncateHistory(key string, keepLast int)
	Reset(key string)
	Delete(key string) error
	List(agentID string) []SessionInfo
	ListPaged(opts SessionListOpts) SessionListResult
	Save(key string) error
	LastUsedChannel(agentID string) (channel, chatID string)

	// UpdateEntry applies mutator to the SessionEntry run-state fields
	// atomically (the updateSessionStore(storePath, mutator) pattern).
	UpdateEntry(key string, mutator func(d *SessionData))
	// GetEntry returns a skipCache-style snapshot of the run-state fields
	// without the message transcript.
	GetEntry(key string) (SessionData, bool)
}
