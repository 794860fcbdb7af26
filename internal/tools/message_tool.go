package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// MessageTool lets an agent proactively send a message to a channel/chat
// outside the normal reply flow (e.g. following up after a delay).
type MessageTool struct {
	msgBus *bus.MessageBus
}

func NewMessageTool(msgBus *bus.MessageBus) *MessageTool {
	return &MessageTool{msgBus: msgBus}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to a chat on a channel, outside the current reply. Use the channel/chat_id of the conversation you want to message."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Target channel name (e.g. 'telegram', 'discord'). Defaults to the current channel.",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Target chat ID. Defaults to the current chat.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}

	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)

	if MessageToolDisabledFromCtx(ctx) {
		return ErrorResult("the message tool is disabled for this run")
	}
	if channel == "" && chatID == "" {
		if RequireExplicitMessageTargetFromCtx(ctx) {
			return ErrorResult("channel and chat_id are required for this run")
		}
		channel = ToolChannelFromCtx(ctx)
		chatID = ToolChatIDFromCtx(ctx)
	}
	if channel == "" {
		channel = ToolChannelFromCtx(ctx)
	}
	if chatID == "" {
		chatID = ToolChatIDFromCtx(ctx)
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no channel/chat_id available for this context")
	}

	t.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	if rec := MessagingRecorderFromCtx(ctx); rec != nil {
		rec.record(channel, chatID)
	}
	return NewResult(fmt.Sprintf("Message sent to %s/%s.", channel, chatID))
}
