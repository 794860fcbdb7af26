package file

import (
	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FileSessionStore wraps sessions.Manager to implement store.SessionStore.
type FileSessionStore struct {
	mgr *sessions.Manager
}

func NewFileSessionStore(mgr *sessions.Manager) *FileSessionStore {
	return &FileSessionStore{mgr: mgr}
}

// Manager returns the underlying sessions.Manager for direct access during migration.
func (f *FileSessionStore) Manager() *sessions.Manager { return f.mgr }

func (f *FileSessionStore) GetOrCreate(key string) *store.SessionData {
	s := f.mgr.GetOrCreate(key)
	return sessionToData(s)
}

func (f *FileSessionStore) AddMessage(key string, msg providers.Message) {
	f.mgr.AddMessage(key, msg)
}

func (f *FileSessionStore) GetHistory(key string) []providers.Message {
	return f.mgr.GetHistory(key)
}

func (f *FileSessionStore) GetSummary(key string) string {
	return f.mgr.GetSummary(key)
}

func (f *FileSessionStore) SetSummary(key, summary string) {
	f.mgr.SetSummary(key, summary)
}

func (f *FileSessionStore) SetLabel(key, label string) {
	f.mgr.SetLabel(key, label)
}

func (f *FileSessionStore) SetAgentInfo(string, uuid.UUID, string) {} // no-op for file store

func (f *FileSessionStore) UpdateMetadata(key, model, provider, channel string) {
	f.mgr.UpdateMetadata(key, model, provider, channel)
}

func (f *FileSessionStore) AccumulateTokens(key string, input, output int64) {
	f.mgr.AccumulateTokens(key, input, output)
}

func (f *FileSessionStore) IncrementCompaction(key string) {
	f.mgr.IncrementCompaction(key)
}

func (f *FileSessionStore) GetCompactionCount(key string) int {
	return f.mgr.GetCompactionCount(key)
}

func (f *FileSessionStore) GetMemoryFlushCompactionCount(key string) int {
	return f.mgr.GetMemoryFlushCompactionCount(key)
}

func (f *FileSessionStore) SetMemoryFlushDone(key string) {
	f.mgr.SetMemoryFlushDone(key)
}

func (f *FileSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	f.mgr.SetSpawnInfo(key, spawnedBy, depth)
}

func (f *FileSessionStore) SetContextWindow(key string, cw int) {
	f.mgr.SetContextWindow(key, cw)
}

func (f *FileSessionStore) GetContextWindow(key string) int {
	return f.mgr.GetContextWindow(key)
}

func (f *FileSessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	f.mgr.SetLastPromptTokens(key, tokens, msgCount)
}

func (f *FileSessionStore) GetLastPromptTokens(key string) (int, int) {
	return f.mgr.GetLastPromptTokens(key)
}

func (f *FileSessionStore) TruncateHistory(key string, keepLast int) {
	f.mgr.TruncateHistory(key, keepLast)
}

func (f *FileSessionStore) Reset(key string) {
	f.mgr.Reset(key)
}

func (f *FileSessionStore) Delete(key string) error {
	return f.mgr.Delete(key)
}

func (f *FileSessionStore) List(agentID string) []store.SessionInfo {
	items := f.mgr.List(agentID)
	result := make([]store.SessionInfo, len(items))
	for i, item := range items {
		result[i] = store.SessionInfo{
			Key:          item.Key,
			MessageCount: item.MessageCount,
			Created:      item.Created,
			Updated:      item.Updated,
		}
	}
	return result
}

func (f *FileSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := f.List(opts.AgentID)
	total := len(all)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return store.SessionListResult{
		Sessions: all[start:end],
		Total:    total,
	}
}

func (f *FileSessionStore) Save(key string) error {
	return f.mgr.Save(key)
}

func (f *FileSessionStore) LastUsedChannel(agentID string) (string, string) {
	return f.mgr.LastUsedChannel(agentID)
}

// UpdateEntry applies mutator to the session's SessionEntry run-state fields
// under the manager's write lock, then persists the result to disk.
func (f *FileSessionStore) UpdateEntry(key string, mutator func(d *store.SessionData)) {
	f.mgr.UpdateSessionEntry(key, func(s *sessions.Session) {
		d := sessionToData(s)
		mutator(d)
		dataToSession(d, s)
	})
	f.mgr.Save(key)
}

func (f *FileSessionStore) GetEntry(key string) (store.SessionData, bool) {
	snap, ok := f.mgr.SnapshotEntry(key)
	if !ok {
		return store.SessionData{}, false
	}
	return *sessionToData(&snap), true
}

func sessionToData(s *sessions.Session) *store.SessionData {
	return &store.SessionData{
		Key:                        s.Key,
		Messages:                   s.Messages,
		Summary:                    s.Summary,
		Created:                    s.Created,
		Updated:                    s.Updated,
		Model:                      s.Model,
		Provider:                   s.Provider,
		Channel:                    s.Channel,
		InputTokens:                s.InputTokens,
		OutputTokens:               s.OutputTokens,
		CompactionCount:            s.CompactionCount,
		MemoryFlushCompactionCount: s.MemoryFlushCompactionCount,
		MemoryFlushAt:              s.MemoryFlushAt,
		Label:                      s.Label,
		SpawnedBy:                  s.SpawnedBy,
		SpawnDepth:                 s.SpawnDepth,
		ContextWindow:             s.ContextWindow,
		LastPromptTokens:          s.LastPromptTokens,
		LastMessageCount:          s.LastMessageCount,

		SessionID:           s.SessionID,
		AbortedLastRun:      s.AbortedLastRun,
		ThinkingLevel:       s.ThinkingLevel,
		VerboseLevel:        s.VerboseLevel,
		ReasoningLevel:      s.ReasoningLevel,
		ModelOverride:       s.ModelOverride,
		ProviderOverride:    s.ProviderOverride,
		TTSAuto:             s.TTSAuto,
		CacheReadTokens:     s.CacheReadTokens,
		CacheWriteTokens:    s.CacheWriteTokens,
		ContextTokens:       s.ContextTokens,
		ForkedFromParent:    s.ForkedFromParent,
		LastChannel:         s.LastChannel,
		LastTo:              s.LastTo,
		LastAccountID:       s.LastAccountID,
		LastThreadID:        s.LastThreadID,
		ChatType:            s.ChatType,
		DisplayName:         s.DisplayName,
		SkillsSnapshot:      append([]string(nil), s.SkillsSnapshot...),
		AuthProfileOverride: s.AuthProfileOverride,
	}
}

// dataToSession copies the SessionEntry run-state fields of d back onto s,
// the inverse of sessionToData for the subset UpdateEntry is allowed to
// mutate (transcript and timestamps stay owned by the Manager).
func dataToSession(d *store.SessionData, s *sessions.Session) {
	s.SessionID = d.SessionID
	s.AbortedLastRun = d.AbortedLastRun
	s.ThinkingLevel = d.ThinkingLevel
	s.VerboseLevel = d.VerboseLevel
	s.ReasoningLevel = d.ReasoningLevel
	s.ModelOverride = d.ModelOverride
	s.ProviderOverride = d.ProviderOverride
	s.TTSAuto = d.TTSAuto
	s.CacheReadTokens = d.CacheReadTokens
	s.CacheWriteTokens = d.CacheWriteTokens
	s.ContextTokens = d.ContextTokens
	s.ForkedFromParent = d.ForkedFromParent
	s.LastChannel = d.LastChannel
	s.LastTo = d.LastTo
	s.LastAccountID = d.LastAccountID
	s.LastThreadID = d.LastThreadID
	s.ChatType = d.ChatType
	s.DisplayName = d.DisplayName
	s.SkillsSnapshot = append([]string(nil), d.SkillsSnapshot...)
	s.AuthProfileOverride = d.AuthProfileOverride
}
