// Package protocol defines the gateway's WebSocket wire format: request
// frames clients send to invoke an RPC method, response frames the
// gateway sends back, and event frames the gateway pushes unsolicited.
package protocol

import "encoding/json"

// ProtocolVersion is bumped whenever the wire format changes in a
// backward-incompatible way.
const ProtocolVersion = 1

// Frame type discriminators, present on every frame so a reader can
// dispatch on a single field before unmarshaling the rest.
const (
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client -> server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is a server -> client reply to one RequestFrame, matched
// by ID. Error is set only when OK is false.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed RPC call.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server -> client unsolicited push (agent activity,
// cron status, presence, etc.), not correlated to any request ID.
type EventFrame struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"ts,omitempty"`
}

// NewOKResponse builds a successful ResponseFrame.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed ResponseFrame.
func NewErrorResponse(id string, code ErrorCode, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &ErrorBody{Code: string(code), Message: message}}
}

// NewEvent builds an EventFrame. Timestamp is left zero; callers that
// want one stamp it themselves after construction.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// frameTypePeek is used only to read the discriminator field.
type frameTypePeek struct {
	Type string `json:"type"`
}

// ParseFrameType extracts the "type" discriminator from a raw frame
// without unmarshaling the rest of it.
func ParseFrameType(raw []byte) (string, error) {
	var p frameTypePeek
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	return p.Type, nil
}
