package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// PairingMethods handles device.pair.request, device.pair.approve,
// device.pair.list, device.pair.revoke.
type PairingMethods struct {
	pairing store.PairingStore
}

func NewPairingMethods(pairing store.PairingStore) *PairingMethods {
	return &PairingMethods{pairing: pairing}
}

func (m *PairingMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodPairingRequest, m.handleRequest)
	router.Register(protocol.MethodPairingApprove, m.handleApprove)
	router.Register(protocol.MethodPairingList, m.handleList)
	router.Register(protocol.MethodPairingRevoke, m.handleRevoke)
}

func (m *PairingMethods) handleRequest(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Channel string            `json:"channel"`
		ID      string            `json:"id"`
		Meta    map[string]string `json:"meta"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Channel == "" || params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "channel and id are required"))
		return
	}

	code, err := m.pairing.RequestPairing(params.Channel, params.ID, params.Meta)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"code": code}))
}

func (m *PairingMethods) handleApprove(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Channel == "" || params.Code == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "channel and code are required"))
		return
	}

	id, err := m.pairing.Approve(params.Channel, params.Code)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"id": id}))
}

func (m *PairingMethods) handleList(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Channel == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "channel is required"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, m.pairing.List(params.Channel)))
}

func (m *PairingMethods) handleRevoke(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Channel string `json:"channel"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Channel == "" || params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "channel and id are required"))
		return
	}
	if err := m.pairing.Revoke(params.Channel, params.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"ok": true}))
}
