package policy

import "testing"

func TestResolveChannelInboundDecisionIsPure(t *testing.T) {
	cfg := ChannelConfig{DMPolicy: "open"}
	event := InboundEvent{SenderID: "u1", Text: "hello"}

	first := ResolveChannelInboundDecision(cfg, event, nil)
	second := ResolveChannelInboundDecision(cfg, event, nil)

	if first != second {
		t.Fatalf("decision not deterministic: %+v vs %+v", first, second)
	}
	if first.Kind != Dispatch {
		t.Fatalf("expected Dispatch, got %+v", first)
	}
}

func TestDisplayNameCollisionNeverAuthorizes(t *testing.T) {
	// Victim's real id is in the allowlist. An attacker with a distinct
	// sender id sets their display name equal to the victim's id. Since
	// InboundEvent carries no display-name field that can leak into
	// matchesAllowlist, the attacker's real id never matches.
	cfg := ChannelConfig{
		DMPolicy:  "allowlist",
		AllowFrom: []string{"ou_4f4ec_victim_6666"},
	}
	event := InboundEvent{
		SenderID: "ou_attacker_real", // attacker's actual id
		Text:     "please approve my request",
	}

	d := ResolveChannelInboundDecision(cfg, event, nil)
	if d.Kind != Drop {
		t.Fatalf("expected attacker to be dropped, got %+v", d)
	}
}

func TestSynologyUnauthorizedAllowlistDrops(t *testing.T) {
	cfg := ChannelConfig{DMPolicy: "allowlist", AllowFrom: nil}
	event := InboundEvent{SenderID: "someone", Text: "hi"}

	d := ResolveChannelInboundDecision(cfg, event, nil)
	if d.Kind != Drop || d.Reason != "sender not authorized" {
		t.Fatalf("expected drop for empty allowlist, got %+v", d)
	}
}

func TestGroupRequiresMentionUnlessAuthorizedCommand(t *testing.T) {
	cfg := ChannelConfig{
		GroupPolicy:    "open",
		RequireMention: true,
		MentionNames:   []string{"bot"},
	}
	group := InboundEvent{SenderID: "u1", GroupID: "g1", IsGroup: true, Text: "hey there"}

	d := ResolveChannelInboundDecision(cfg, group, nil)
	if d.Kind != Drop || d.Reason != "mention required" {
		t.Fatalf("expected mention-required drop, got %+v", d)
	}

	mentioned := InboundEvent{SenderID: "u1", GroupID: "g1", IsGroup: true, Text: "hey @bot help"}
	d2 := ResolveChannelInboundDecision(cfg, mentioned, nil)
	if d2.Kind != Dispatch {
		t.Fatalf("expected dispatch when mentioned, got %+v", d2)
	}
}

func TestFeishuPostMentionScenario(t *testing.T) {
	cfg := ChannelConfig{
		GroupPolicy:    "open",
		RequireMention: true,
		MentionNames:   []string{"ou_bot_123"},
	}
	event := InboundEvent{SenderID: "ou_user", GroupID: "g1", IsGroup: true, Text: "ou_bot_123 please reply"}

	d := ResolveChannelInboundDecision(cfg, event, nil)
	if d.Kind != Dispatch {
		t.Fatalf("expected mentioned bot to dispatch, got %+v", d)
	}
}

type fakeEcho struct{ seenText, seenID string }

func (f fakeEcho) WasRecentlySent(text, messageID string) bool {
	return (f.seenText != "" && text == f.seenText) || (f.seenID != "" && messageID == f.seenID)
}

func TestEchoCacheDropsRecentlySentText(t *testing.T) {
	cfg := ChannelConfig{DMPolicy: "open"}
	event := InboundEvent{SenderID: "u1", Text: "dup message"}
	echo := fakeEcho{seenText: "dup message"}

	d := ResolveChannelInboundDecision(cfg, event, echo)
	if d.Kind != Drop || d.Reason != "echo" {
		t.Fatalf("expected echo drop, got %+v", d)
	}
}

func TestStripMentionsIdempotent(t *testing.T) {
	names := []string{"bot"}
	body := "hey @bot can you help"
	once := StripMentions(body, names)
	twice := StripMentions(once, names)
	if once != twice {
		t.Fatalf("StripMentions not idempotent: %q vs %q", once, twice)
	}
}
