package sessions

import (
	"testing"
	"time"
)

func TestInitSessionStateFreshSessionOnFirstDispatch(t *testing.T) {
	m := NewManager("")
	res := m.InitSessionState(InitRequest{
		AgentID:  "default",
		ScopeKey: "telegram:direct:1",
		ChatType: "direct",
		Text:     "hello there",
		Channel:  "telegram",
		To:       "1",
	}, nil, nil)

	if res.WasReset || res.WasStale {
		t.Fatalf("expected a plain first dispatch, got %+v", res)
	}
	if res.SessionKey != "agent:default:telegram:direct:1" {
		t.Fatalf("unexpected session key: %s", res.SessionKey)
	}
}

func TestInitSessionStateResetTriggerCarriesOverOverrides(t *testing.T) {
	m := NewManager("")
	key := SessionKey("default", "telegram:direct:1")

	m.UpdateSessionEntry(key, func(s *Session) {
		s.ThinkingLevel = "high"
		s.ModelOverride = "claude-opus"
		s.InputTokens = 500
		s.CompactionCount = 3
	})

	res := m.InitSessionState(InitRequest{
		AgentID:  "default",
		ScopeKey: "telegram:direct:1",
		ChatType: "direct",
		Text:     "/new",
		Channel:  "telegram",
		To:       "1",
	}, nil, nil)

	if !res.WasReset {
		t.Fatalf("expected /new to trigger a reset")
	}
	if res.Session.ThinkingLevel != "high" || res.Session.ModelOverride != "claude-opus" {
		t.Fatalf("expected behavior overrides carried over, got %+v", res.Session)
	}
	if res.Session.InputTokens != 0 || res.Session.CompactionCount != 0 {
		t.Fatalf("expected usage counters reset, got %+v", res.Session)
	}
}

func TestInitSessionStateStaleSessionResets(t *testing.T) {
	m := NewManager("")
	key := SessionKey("default", "telegram:direct:1")
	m.UpdateSessionEntry(key, func(s *Session) {
		s.SessionID = "old-id"
	})
	// Force staleness by moving Updated far into the past.
	m.mu.Lock()
	m.sessions[key].Updated = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	res := m.InitSessionState(InitRequest{
		AgentID:  "default",
		ScopeKey: "telegram:direct:1",
		ChatType: "direct",
		Text:     "still here?",
		Channel:  "telegram",
		To:       "1",
		Idle:     IdlePolicy{DirectIdleMs: 60_000},
	}, nil, nil)

	if !res.WasStale {
		t.Fatalf("expected staleness to trigger a reset")
	}
	if res.Session.SessionID == "old-id" {
		t.Fatalf("expected a freshly minted sessionId")
	}
}

func TestInitSessionStateFiresHooksOnReplace(t *testing.T) {
	m := NewManager("")
	key := SessionKey("default", "telegram:direct:1")
	m.GetOrCreate(key)

	var ended, started []string
	res := m.InitSessionState(InitRequest{
		AgentID:  "default",
		ScopeKey: "telegram:direct:1",
		ChatType: "direct",
		Text:     "/reset",
		Channel:  "telegram",
		To:       "1",
	}, func(k string) { ended = append(ended, k) }, func(k string) { started = append(started, k) })

	if len(ended) != 1 || ended[0] != res.SessionKey {
		t.Fatalf("expected session_end hook fired once for %s, got %+v", res.SessionKey, ended)
	}
	if len(started) != 1 || started[0] != res.SessionKey {
		t.Fatalf("expected session_start hook fired once for %s, got %+v", res.SessionKey, started)
	}
}

func TestInitSessionStateInternalChannelNeverOverwritesRealChannel(t *testing.T) {
	m := NewManager("")
	m.InitSessionState(InitRequest{
		AgentID:  "default",
		ScopeKey: "telegram:direct:1",
		ChatType: "direct",
		Text:     "hi",
		Channel:  "telegram",
		To:       "555",
	}, nil, nil)

	res := m.InitSessionState(InitRequest{
		AgentID:  "default",
		ScopeKey: "telegram:direct:1",
		ChatType: "direct",
		Text:     "internal followup",
		Channel:  "internal",
		To:       "n/a",
	}, nil, nil)

	if res.Session.LastChannel != "telegram" || res.Session.LastTo != "555" {
		t.Fatalf("expected real channel preserved over internal context, got %+v", res.Session)
	}
}
