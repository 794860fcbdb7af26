package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client wraps one WebSocket connection to the gateway: a read pump that
// dispatches inbound RequestFrames through the server's MethodRouter, and
// a serialized writer so response and event frames never interleave.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu       sync.Mutex
	userID   string
	authed   bool
	closed   bool
	closeCh  chan struct{}
}

// NewClient wraps conn for server.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		closeCh: make(chan struct{}),
	}
}

// ID returns the client's connection id (not the authenticated user id).
func (c *Client) ID() string { return c.id }

// UserID returns the id the client authenticated as via "connect", or ""
// if it hasn't authenticated yet.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetAuthenticated records a successful "connect" handshake.
func (c *Client) SetAuthenticated(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authed = true
}

// Authenticated reports whether "connect" has succeeded on this client.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Run pumps inbound frames until the connection closes or ctx is done.
// It blocks the caller (the HTTP handler goroutine) for the connection's
// lifetime.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}
		if frameType != protocol.FrameTypeRequest {
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		if !c.Authenticated() && req.Method != protocol.MethodConnect {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect required before other methods"))
			continue
		}

		reqCopy := req
		go c.server.Router().Dispatch(ctx, c, &reqCopy)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if err := c.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeRaw(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway client: marshal frame failed", "error", err)
		return
	}
	if err := c.writeRaw(websocket.TextMessage, data); err != nil {
		slog.Debug("gateway client: write failed", "client", c.id, "error", err)
	}
}

// SendResponse delivers a ResponseFrame to this client.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.writeJSON(resp)
}

// SendEvent delivers an EventFrame to this client.
func (c *Client) SendEvent(evt protocol.EventFrame) {
	c.writeJSON(evt)
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
	c.conn.Close()
}
