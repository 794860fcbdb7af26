package methods

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// AgentMethods handles agent, agent.wait, agent.identity.get: the raw
// one-shot invocation surface used by the CLI client and SDKs, as
// opposed to chat.send which is channel/session oriented.
type AgentMethods struct {
	agents *agent.Router
}

func NewAgentMethods(agents *agent.Router) *AgentMethods {
	return &AgentMethods{agents: agents}
}

func (m *AgentMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAgent, m.handleAgent)
	router.Register(protocol.MethodAgentWait, m.handleAgentWait)
	router.Register(protocol.MethodAgentIdentityGet, m.handleIdentityGet)
}

type agentRunParams struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Channel    string `json:"channel"`
	ChatID     string `json:"chatId"`
}

func (m *AgentMethods) runAgent(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) (*agent.RunResult, error, bool) {
	var params agentRunParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
		return nil, nil, false
	}
	if params.AgentID == "" || params.Message == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId and message are required"))
		return nil, nil, false
	}

	a, err := m.agents.Get(params.AgentID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return nil, nil, false
	}

	result, err := a.Run(ctx, agent.RunRequest{
		SessionKey: params.SessionKey,
		Message:    params.Message,
		Channel:    params.Channel,
		ChatID:     params.ChatID,
		UserID:     client.UserID(),
		RunID:      uuid.NewString(),
	})
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return nil, nil, false
	}
	return result, nil, true
}

func (m *AgentMethods) handleAgent(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	result, _, ok := m.runAgent(ctx, client, req)
	if !ok {
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, result))
}

// handleAgentWait is identical to handleAgent for the in-process agent
// router (a single call already blocks until completion); it exists as
// a distinct method so remote/queued runners can implement true
// fire-and-poll semantics without changing the wire contract.
func (m *AgentMethods) handleAgentWait(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	m.handleAgent(ctx, client, req)
}

func (m *AgentMethods) handleIdentityGet(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId is required"))
		return
	}

	a, err := m.agents.Get(params.AgentID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"agentId": a.ID(),
		"model":   a.Model(),
		"running": a.IsRunning(),
	}))
}
