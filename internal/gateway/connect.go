package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

type connectParams struct {
	Token string `json:"token"`
}

// registerConnectMethod wires the handshake method every client must
// call before any other RPC is accepted. An empty expectedToken means
// the gateway runs unauthenticated (local/dev use).
func registerConnectMethod(router *MethodRouter, expectedToken string) {
	router.Register(protocol.MethodConnect, func(_ context.Context, client *Client, req *protocol.RequestFrame) {
		var params connectParams
		if req.Params != nil {
			json.Unmarshal(req.Params, &params)
		}

		if expectedToken != "" {
			if subtle.ConstantTimeCompare([]byte(params.Token), []byte(expectedToken)) != 1 {
				client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
				return
			}
		}

		client.SetAuthenticated(client.ID())
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocol.ProtocolVersion,
			"clientId":        client.ID(),
		}))
	})

	router.Register(protocol.MethodHealth, func(_ context.Context, client *Client, req *protocol.RequestFrame) {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "ok"}))
	})

	router.Register(protocol.MethodStatus, func(_ context.Context, client *Client, req *protocol.RequestFrame) {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
			"status":          "ok",
			"protocolVersion": protocol.ProtocolVersion,
		}))
	})
}
