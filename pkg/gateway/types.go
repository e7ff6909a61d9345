package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/session"
)

// RunRequest is the body of POST /v1/runs and the params of the
// WebSocket "run" method.
type RunRequest struct {
	SessionID  string                `json:"session_id"`
	UserID     string                `json:"user_id,omitempty"`
	RunID      string                `json:"run_id,omitempty"`
	Agent      string                `json:"agent,omitempty"`
	Candidates []string              `json:"candidates,omitempty"`
	Message    string                `json:"message,omitempty"`
	Parts      []session.ContentPart `json:"parts,omitempty"`
	Inputs     map[string]any        `json:"inputs,omitempty"`
	Wanted     []string              `json:"wanted,omitempty"`
	Voice      string                `json:"voice,omitempty"`
}

func (r RunRequest) params() agent.RunParams {
	return agent.RunParams{
		SessionID:  r.SessionID,
		UserID:     r.UserID,
		RunID:      r.RunID,
		Agent:      r.Agent,
		Candidates: r.Candidates,
		Message:    r.Message,
		Parts:      r.Parts,
		Inputs:     r.Inputs,
		Wanted:     r.Wanted,
		Voice:      r.Voice,
	}
}

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// WriteJSON sends v as one text message.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// Write sends p as one text message, so every stream frame arrives whole.
func (c *Client) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
