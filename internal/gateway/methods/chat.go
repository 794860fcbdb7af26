package methods

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// ChatMethods handles chat.send, chat.history, chat.abort, chat.inject:
// the channel/session-oriented chat surface used by WS clients (as
// opposed to the raw agent/agent.wait invocation methods).
type ChatMethods struct {
	agents   *agent.Router
	sessions store.SessionStore

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // sessionKey -> cancel for the in-flight run
	pending map[string]string             // sessionKey -> queued chat.inject text for the next send
}

func NewChatMethods(agents *agent.Router, sess store.SessionStore) *ChatMethods {
	return &ChatMethods{
		agents:   agents,
		sessions: sess,
		cancels:  make(map[string]context.CancelFunc),
		pending:  make(map[string]string),
	}
}

func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
	router.Register(protocol.MethodChatAbort, m.handleAbort)
	router.Register(protocol.MethodChatInject, m.handleInject)
}

type chatSendParams struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Channel    string `json:"channel"`
	ChatID     string `json:"chatId"`
	Stream     bool   `json:"stream"`
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params chatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
		return
	}
	if params.AgentID == "" || params.SessionKey == "" || params.Message == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId, sessionKey and message are required"))
		return
	}

	a, err := m.agents.Get(params.AgentID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[params.SessionKey] = cancel
	extra := m.pending[params.SessionKey]
	delete(m.pending, params.SessionKey)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, params.SessionKey)
		m.mu.Unlock()
		cancel()
	}()

	result, err := a.Run(runCtx, agent.RunRequest{
		SessionKey:        params.SessionKey,
		Message:           params.Message,
		Channel:           params.Channel,
		ChatID:            params.ChatID,
		UserID:            client.UserID(),
		Stream:            params.Stream,
		ExtraSystemPrompt: extra,
		RunID:             uuid.NewString(),
	})
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, result))
}

func (m *ChatMethods) handleHistory(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params sessionKeyParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "key is required"))
		return
	}

	history := m.sessions.GetHistory(params.Key)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"key":      params.Key,
		"messages": history,
	}))
}

func (m *ChatMethods) handleAbort(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params sessionKeyParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "key is required"))
		return
	}

	m.mu.Lock()
	cancel, ok := m.cancels[params.Key]
	m.mu.Unlock()

	if ok {
		cancel()
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"ok": true, "aborted": ok}))
}

func (m *ChatMethods) handleInject(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Key  string `json:"key"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" || params.Text == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "key and text are required"))
		return
	}

	m.mu.Lock()
	m.pending[params.Key] = params.Text
	m.mu.Unlock()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"ok": true}))
}
