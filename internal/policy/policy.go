// Package policy decides, per inbound event, whether to drop it, require
// pairing, or dispatch it to a session. It generalizes the allowlist/DM/
// group checks that channels.BaseChannel.CheckPolicy performs inline into
// a single pure function. The channel adapters still run their own inline
// checks and do not call it.
package policy

import (
	"regexp"
	"strings"
)

// DecisionKind enumerates the outcome of resolving an inbound event.
type DecisionKind int

const (
	// Drop means the event is ignored; Reason explains why (for logging).
	Drop DecisionKind = iota
	// Pairing means the sender is unknown and must redeem a pairing code
	// before being dispatched.
	Pairing
	// Dispatch means the event should be handed to Session Init.
	Dispatch
)

// Decision is the pure output of resolving one inbound event.
type Decision struct {
	Kind       DecisionKind
	Reason     string // populated for Drop
	SenderID   string // populated for Pairing (normalized sender id)
}

// ChannelConfig is the policy-relevant slice of a channel's runtime config,
// equivalent to SPEC_FULL.md's ChannelInstance.
type ChannelConfig struct {
	DMPolicy         string   // "open" | "allowlist" | "disabled" | "pairing"
	GroupPolicy      string   // "open" | "allowlist" | "disabled"
	AllowFrom        []string // DM allowlist (wildcard "*" = open)
	GroupAllowFrom   []string // group sender allowlist, used when GroupPolicy=="allowlist"
	GroupIDAllowlist []string // if non-empty, only these group ids are accepted
	RequireMention   bool
	MentionNames     []string // names/keys the bot responds to when mentioned
	CommandsWithoutMention bool
	Authorizers      []Authorizer
	UseAccessGroups  bool
}

// Authorizer is one entry in the control-command authorization chain:
// "configured" lists identities this authorizer recognizes, "allowed"
// gates whether recognized identities may issue control commands.
type Authorizer struct {
	Configured []string
	Allowed    bool
}

// InboundEvent is the transport-neutral shape of one inbound message,
// enough to make a policy decision without touching channel internals.
type InboundEvent struct {
	IsFromMe     bool
	SenderID     string // raw sender id, possibly compound "id|username"
	GroupID      string // non-empty if this is a group conversation
	Text         string
	MessageID    string
	IsGroup      bool // transport-reported; OR'd with "has a group config entry"
	HasGroupCfg  bool
}

// EchoCacheView is a read-only snapshot of the conversation-scoped
// recently-sent set. No type in this repository implements it outside
// the tests.
type EchoCacheView interface {
	// WasRecentlySent reports whether text or messageID matches a
	// message this process itself sent recently in this conversation.
	WasRecentlySent(text, messageID string) bool
}

// ResolveChannelInboundDecision implements spec 4.1's algorithm: reject
// bodiless/self events, classify group vs direct, apply DM/group policy,
// mention gating, control-command gating, and echo detection, in that
// order — the first matching rule wins.
func ResolveChannelInboundDecision(cfg ChannelConfig, event InboundEvent, echo EchoCacheView) Decision {
	if event.IsFromMe {
		return Decision{Kind: Drop, Reason: "from self"}
	}
	if event.SenderID == "" {
		return Decision{Kind: Drop, Reason: "missing sender"}
	}
	if strings.TrimSpace(event.Text) == "" {
		return Decision{Kind: Drop, Reason: "empty body"}
	}

	isGroup := event.IsGroup || event.HasGroupCfg

	if isGroup {
		if d, ok := resolveGroupPolicy(cfg, event); !ok {
			return d
		}
	} else {
		if d, authorized := resolveDMPolicy(cfg, event); !authorized {
			return d
		}
	}

	commandAuthorized := resolveCommandAuthorized(cfg, event, isGroup)

	if isGroup && cfg.RequireMention && len(cfg.MentionNames) > 0 && !isMentioned(cfg.MentionNames, event.Text) {
		if !(hasControlCommand(event.Text) && commandAuthorized && cfg.CommandsWithoutMention) {
			return Decision{Kind: Drop, Reason: "mention required"}
		}
	}

	if echo != nil && echo.WasRecentlySent(event.Text, event.MessageID) {
		return Decision{Kind: Drop, Reason: "echo"}
	}

	return Decision{Kind: Dispatch}
}

// resolveGroupPolicy returns (decision, true) when the group is authorized
// to continue evaluation, or (decision, false) to drop immediately.
func resolveGroupPolicy(cfg ChannelConfig, event InboundEvent) (Decision, bool) {
	policy := cfg.GroupPolicy
	if policy == "" {
		policy = "open"
	}

	switch policy {
	case "disabled":
		return Decision{Kind: Drop, Reason: "group policy disabled"}, false
	case "allowlist":
		if len(cfg.GroupAllowFrom) == 0 {
			return Decision{Kind: Drop, Reason: "group allowlist empty"}, false
		}
		if !matchesAllowlist(cfg.GroupAllowFrom, event.SenderID) {
			return Decision{Kind: Drop, Reason: "sender not in group allowlist"}, false
		}
	}

	if len(cfg.GroupIDAllowlist) > 0 && !matchesAllowlist(cfg.GroupIDAllowlist, event.GroupID) {
		return Decision{Kind: Drop, Reason: "group id not in allowlist"}, false
	}

	return Decision{}, true
}

// resolveDMPolicy returns (decision, authorized). authorized==true means
// evaluation continues (decision is the zero value and should be ignored).
func resolveDMPolicy(cfg ChannelConfig, event InboundEvent) (Decision, bool) {
	policy := cfg.DMPolicy
	if policy == "" {
		policy = "open"
	}

	if policy == "disabled" {
		return Decision{Kind: Drop, Reason: "dm policy disabled"}, false
	}

	// dmAuthorized: wildcard or any normalized allow entry matches a
	// sender-id candidate. Display-name collisions never authorize.
	authorized := matchesAllowlist(cfg.AllowFrom, event.SenderID)

	if policy == "pairing" && !authorized {
		return Decision{Kind: Pairing, SenderID: normalizeSenderID(event.SenderID)}, false
	}

	if policy == "open" {
		return Decision{}, true
	}

	// "allowlist" and any other unrecognized policy require authorization.
	if !authorized {
		return Decision{Kind: Drop, Reason: "sender not authorized"}, false
	}
	return Decision{}, true
}

func resolveCommandAuthorized(cfg ChannelConfig, event InboundEvent, isGroup bool) bool {
	if !hasControlCommand(event.Text) {
		return false
	}
	if len(cfg.Authorizers) == 0 {
		return false
	}
	for _, a := range cfg.Authorizers {
		if !a.Allowed {
			continue
		}
		if matchesAllowlist(a.Configured, event.SenderID) {
			return true
		}
	}
	if isGroup {
		// fallback to top-level DM allowlist when scoped authorizers don't match
		return matchesAllowlist(cfg.AllowFrom, event.SenderID)
	}
	return false
}

func hasControlCommand(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "/")
}

// matchesAllowlist supports compound "id|username" entries on both sides
// and wildcard "*", matching channels.BaseChannel.IsAllowed's semantics.
func matchesAllowlist(allowlist []string, senderID string) bool {
	if len(allowlist) == 0 {
		return false
	}
	for _, a := range allowlist {
		if a == "*" {
			return true
		}
	}

	idPart, userPart := splitCompound(senderID)

	for _, allowed := range allowlist {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := splitCompound(trimmed)

		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

func splitCompound(s string) (id, user string) {
	if idx := strings.Index(s, "|"); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

func normalizeSenderID(senderID string) string {
	id, _ := splitCompound(senderID)
	return strings.ToLower(strings.TrimSpace(id))
}

// StripMentions removes every occurrence of the configured mention names
// from text (e.g. "@bot hello" -> "hello"), collapsing the resulting
// whitespace. Idempotent: stripping an already-stripped body is a no-op.
func StripMentions(text string, names []string) string {
	out := text
	for _, name := range names {
		if name == "" {
			continue
		}
		pattern := `(?i)(^|\W)@?` + regexp.QuoteMeta(name) + `(\W|$)`
		if re, err := regexp.Compile(pattern); err == nil {
			out = re.ReplaceAllString(out, "$1$2")
		}
	}
	out = strings.Join(strings.Fields(out), " ")
	return strings.TrimSpace(out)
}

// isMentioned builds per-name regexes escaping metacharacters, matching
// spec 4.1 step 5 ("escaping regex metacharacters in mention name/key as
// literals").
func isMentioned(names []string, text string) bool {
	for _, name := range names {
		if name == "" {
			continue
		}
		pattern := `(?i)(^|\W)` + regexp.QuoteMeta(name) + `(\W|$)`
		if re, err := regexp.Compile(pattern); err == nil && re.MatchString(text) {
			return true
		}
	}
	return false
}
