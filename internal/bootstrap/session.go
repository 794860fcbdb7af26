package bootstrap

import "strings"

// IsSubagentSession reports whether sessionKey is a subagent run session,
// i.e. contains a ":subagent:" segment (session key format
// "agent:<agentId>:<scope>[:run:<uuid>]" per the gateway's session key
// convention; subagent scopes embed "subagent" in <scope>).
func IsSubagentSession(sessionKey string) bool {
	return strings.Contains(sessionKey, ":subagent:")
}

// IsCronSession reports whether sessionKey is a cron-triggered run
// session (scope contains ":cron:").
func IsCronSession(sessionKey string) bool {
	return strings.Contains(sessionKey, ":cron:")
}
