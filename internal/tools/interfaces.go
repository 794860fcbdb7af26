package tools

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// ApprovalAware is implemented by tools (exec) that gate dangerous
// invocations behind the ExecApprovalManager.
type ApprovalAware interface {
	SetApprovalManager(mgr *ExecApprovalManager, agentID string)
}

// PathAllowable is implemented by tools (read_file) that can be granted
// access to directories outside the workspace root, e.g. skills dirs.
type PathAllowable interface {
	AllowPaths(prefixes ...string)
}

// SessionStoreAware is implemented by tools that read or mutate session
// state (sessions_list, session_status, sessions_history, sessions_send).
type SessionStoreAware interface {
	SetSessionStore(store store.SessionStore)
}

// BusAware is implemented by tools that need to publish onto the message
// bus directly (message, sessions_send).
type BusAware interface {
	SetMessageBus(b *bus.MessageBus)
}

// ChannelSenderAware is implemented by the message tool so the channel
// manager's send function can be wired in after it's constructed.
type ChannelSenderAware interface {
	SetChannelSender(fn func(ctx context.Context, channel, chatID, content string) error)
}
