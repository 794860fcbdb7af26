package tools

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// Tool execution context keys.
// These replace mutable setter fields on tool instances, making tools thread-safe
// for concurrent execution. Values are injected into context by the registry
// and read by individual tools during Execute().

type toolContextKey string

const (
	ctxChannel    toolContextKey = "tool_channel"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxPeerKind   toolContextKey = "tool_peer_kind"
	ctxSandboxKey toolContextKey = "tool_sandbox_key"
	ctxSessionKey toolContextKey = "tool_session_key"
	ctxAsyncCB    toolContextKey = "tool_async_cb"
	ctxWorkspace  toolContextKey = "tool_workspace"
)

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

func ToolPeerKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPeerKind).(string)
	return v
}

func WithToolSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func ToolSessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

func WithToolSandboxKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSandboxKey, key)
}

func ToolSandboxKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSandboxKey).(string)
	return v
}

func WithToolAsyncCB(ctx context.Context, cb AsyncCallback) context.Context {
	return context.WithValue(ctx, ctxAsyncCB, cb)
}

func ToolAsyncCBFromCtx(ctx context.Context) AsyncCallback {
	v, _ := ctx.Value(ctxAsyncCB).(AsyncCallback)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

// --- Vision / ImageGen config (per-agent overrides) ---

const (
	ctxVisionConfig   toolContextKey = "tool_vision_config"
	ctxImageGenConfig toolContextKey = "tool_imagegen_config"
)

func WithVisionConfig(ctx context.Context, cfg *config.VisionConfig) context.Context {
	return context.WithValue(ctx, ctxVisionConfig, cfg)
}

func VisionConfigFromCtx(ctx context.Context) *config.VisionConfig {
	v, _ := ctx.Value(ctxVisionConfig).(*config.VisionConfig)
	return v
}

func WithImageGenConfig(ctx context.Context, cfg *config.ImageGenConfig) context.Context {
	return context.WithValue(ctx, ctxImageGenConfig, cfg)
}

func ImageGenConfigFromCtx(ctx context.Context) *config.ImageGenConfig {
	v, _ := ctx.Value(ctxImageGenConfig).(*config.ImageGenConfig)
	return v
}

// --- Messaging-tool send tracking (Agent Runner didSendViaMessagingTool) ---

const ctxMessagingRecorder toolContextKey = "tool_messaging_recorder"

// MessagingRecorder lets the Agent Runner learn, after a run completes,
// whether the message tool was used to proactively send a reply and where
// — so it can suppress a duplicate Reply Dispatcher send to the same target.
type MessagingRecorder struct {
	mu      sync.Mutex
	sent    bool
	targets []string
}

func NewMessagingRecorder() *MessagingRecorder { return &MessagingRecorder{} }

func (r *MessagingRecorder) record(channel, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = true
	r.targets = append(r.targets, channel+"/"+chatID)
}

// Sent reports whether the message tool fired at least once, and the list
// of "channel/chatId" targets it sent to.
func (r *MessagingRecorder) Sent() (bool, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, append([]string(nil), r.targets...)
}

func WithMessagingRecorder(ctx context.Context, r *MessagingRecorder) context.Context {
	return context.WithValue(ctx, ctxMessagingRecorder, r)
}

func MessagingRecorderFromCtx(ctx context.Context) *MessagingRecorder {
	v, _ := ctx.Value(ctxMessagingRecorder).(*MessagingRecorder)
	return v
}

const (
	ctxRequireExplicitTarget toolContextKey = "tool_require_explicit_msg_target"
	ctxMessageToolDisabled   toolContextKey = "tool_message_tool_disabled"
)

// WithRequireExplicitMessageTarget marks a run as requiring the message
// tool to name an explicit channel/chat_id rather than defaulting to the
// current conversation (spec 4.5's requireExplicitMessageTarget flag).
func WithRequireExplicitMessageTarget(ctx context.Context, require bool) context.Context {
	return context.WithValue(ctx, ctxRequireExplicitTarget, require)
}

func RequireExplicitMessageTargetFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxRequireExplicitTarget).(bool)
	return v
}

// WithMessageToolDisabled disables the message tool entirely for a run
// (spec 4.5's disableMessageTool flag).
func WithMessageToolDisabled(ctx context.Context, disabled bool) context.Context {
	return context.WithValue(ctx, ctxMessageToolDisabled, disabled)
}

func MessageToolDisabledFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxMessageToolDisabled).(bool)
	return v
}

// --- Builtin tool settings (global DB overrides) ---

const ctxBuiltinToolSettings toolContextKey = "tool_builtin_settings"

// BuiltinToolSettings maps tool name -> settings JSON bytes.
type BuiltinToolSettings map[string][]byte

func WithBuiltinToolSettings(ctx context.Context, settings BuiltinToolSettings) context.Context {
	return context.WithValue(ctx, ctxBuiltinToolSettings, settings)
}

func BuiltinToolSettingsFromCtx(ctx context.Context) BuiltinToolSettings {
	v, _ := ctx.Value(ctxBuiltinToolSettings).(BuiltinToolSettings)
	return v
}
