package sessions

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResetTriggers are the default case-insensitive commands that reset a
// session's transcript while carrying over its behavior overrides.
var ResetTriggers = []string{"/new", "/reset"}

// ScopeKind selects how a SessionKey is derived from an inbound event.
type ScopeKind string

const (
	ScopePerSender ScopeKind = "per-sender"
	ScopeGlobal    ScopeKind = "global"
	ScopePerChannel ScopeKind = "per-channel"
)

// IdlePolicy controls freshness by chat kind; idleMs<=0 means "never stale".
type IdlePolicy struct {
	DirectIdleMs int64
	GroupIdleMs  int64
	ThreadIdleMs int64
}

func (p IdlePolicy) idleMsFor(chatType string) int64 {
	switch chatType {
	case "group":
		return p.GroupIdleMs
	case "thread":
		return p.ThreadIdleMs
	default:
		return p.DirectIdleMs
	}
}

// InitRequest is the input to Session Init: a dispatch decision plus the
// delivery context it was resolved from.
type InitRequest struct {
	AgentID         string
	ScopeKey        string // e.g. "telegram:direct:12345"
	Scope           ScopeKind
	ChatType        string // "direct" | "group" | "thread"
	Text            string
	Channel         string
	To              string
	AccountID       string
	ThreadID        string
	DisplayName     string
	CommandAuthorized bool
	ParentSessionKey  string // non-empty requests a fork-on-reset
	Idle            IdlePolicy
	Now             time.Time
}

// InitResult is Session Init's output: the resolved key plus what happened
// to get there, so callers can log/fire hooks accordingly.
type InitResult struct {
	SessionKey   string
	Session      *Session
	WasReset     bool
	WasStale     bool
	ReplacedKey  string // non-empty when a prior transcript was archived
}

// SessionEndHook/SessionStartHook let the gateway react to a session
// being replaced (archived) or (re)started, without Session Init importing
// the gateway's event-bus package.
type SessionEndHook func(sessionKey string)
type SessionStartHook func(sessionKey string)

// InitSessionState implements spec 4.3's algorithm: resolve the session
// key, detect a reset trigger or staleness, mint/fork a sessionId when the
// prior entry can't be reused, update delivery-target fields, persist, and
// report what happened so session_end/session_start hooks can fire.
func (m *Manager) InitSessionState(req InitRequest, onEnd SessionEndHook, onStart SessionStartHook) InitResult {
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	key := SessionKey(req.AgentID, req.ScopeKey)

	reset := isResetTrigger(req.Text)

	existing, hadPrior := m.SnapshotEntry(key)
	stale := false
	if hadPrior && !reset {
		idleMs := req.Idle.idleMsFor(req.ChatType)
		if idleMs > 0 && req.Now.Sub(existing.Updated).Milliseconds() > idleMs {
			stale = true
		}
	}

	result := InitResult{SessionKey: key}

	if reset || stale {
		if hadPrior {
			result.ReplacedKey = key
		}
		m.replaceSession(key, existing, hadPrior, req)
		result.WasReset = reset
		result.WasStale = stale
		if hadPrior && onEnd != nil {
			onEnd(key)
		}
		if onStart != nil {
			onStart(key)
		}
	} else {
		m.GetOrCreate(key)
	}

	m.SetDeliveryTarget(key, req.Channel, req.To, req.AccountID, req.ThreadID)
	m.UpdateSessionEntry(key, func(s *Session) {
		if req.DisplayName != "" {
			s.DisplayName = req.DisplayName
		}
		s.ChatType = req.ChatType
	})
	m.Save(key)

	snap, _ := m.SnapshotEntry(key)
	result.Session = &snap
	return result
}

// replaceSession mints a fresh sessionId, optionally forking transcript
// content from ParentSessionKey, and carries over the prior entry's
// user-set behavior overrides while resetting usage counters.
func (m *Manager) replaceSession(key string, prior Session, hadPrior bool, req InitRequest) {
	m.UpdateSessionEntry(key, func(s *Session) {
		s.SessionID = uuid.New().String()
		s.Messages = nil
		s.Summary = ""
		s.InputTokens = 0
		s.OutputTokens = 0
		s.CacheReadTokens = 0
		s.CacheWriteTokens = 0
		s.ContextTokens = 0
		s.CompactionCount = 0
		s.MemoryFlushCompactionCount = 0
		s.MemoryFlushAt = 0
		s.AbortedLastRun = false
		if hadPrior {
			s.VerboseLevel = prior.VerboseLevel
			s.ThinkingLevel = prior.ThinkingLevel
			s.ReasoningLevel = prior.ReasoningLevel
			s.ModelOverride = prior.ModelOverride
			s.ProviderOverride = prior.ProviderOverride
			s.TTSAuto = prior.TTSAuto
			s.Label = prior.Label
		}
		s.ForkedFromParent = ""
	})

	if req.ParentSessionKey != "" {
		if parent, ok := m.SnapshotEntry(req.ParentSessionKey); ok {
			parentHistory := m.GetHistory(req.ParentSessionKey)
			m.mu.Lock()
			if s, ok := m.sessions[key]; ok {
				s.Messages = append(s.Messages, parentHistory...)
				s.ForkedFromParent = req.ParentSessionKey
				s.Summary = parent.Summary
			}
			m.mu.Unlock()
		}
	}
}

// isResetTrigger reports whether text is (after stripping a leading
// timestamp/history-prefix label) a case-insensitive match for a
// configured reset trigger.
func isResetTrigger(text string) bool {
	t := stripStructuralPrefix(text)
	t = strings.ToLower(strings.TrimSpace(t))
	for _, trig := range ResetTriggers {
		if t == strings.ToLower(trig) {
			return true
		}
	}
	return false
}

// stripStructuralPrefix removes a leading "[12:00] " or "user: " style
// label some channels prepend before forwarding text, so a reset command
// wrapped in such a prefix is still recognized.
func stripStructuralPrefix(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "[") {
		if idx := strings.Index(t, "]"); idx > 0 && idx < 40 {
			t = strings.TrimSpace(t[idx+1:])
		}
	}
	if idx := strings.Index(t, ": "); idx > 0 && idx < 40 {
		rest := t[idx+2:]
		if isResetTrigger(rest) || strings.HasPrefix(rest, "/") {
			t = rest
		}
	}
	return t
}
