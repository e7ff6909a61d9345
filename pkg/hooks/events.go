package hooks

import (
	"context"
	"slices"
)

// EventType names one kind of run lifecycle event.
type EventType string

const (
	EventStart         EventType = "start"
	EventToken         EventType = "token"
	EventStream        EventType = "stream"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventAudio         EventType = "audio"
	EventFinish        EventType = "finish"
	EventModelResponse EventType = "model_response"
	EventClientAction  EventType = "client_action"
	EventSelectAgent   EventType = "select_agent"
	EventBoxFinish     EventType = "box_finish"
)

// EventTypes is the complete vocabulary, in wire order.
var EventTypes = []EventType{
	EventStart, EventToken, EventStream, EventToolCall, EventToolResult, EventAudio,
	EventFinish, EventModelResponse, EventClientAction, EventSelectAgent, EventBoxFinish,
}

// Valid reports whether t is part of the vocabulary.
func (t EventType) Valid() bool {
	return slices.Contains(EventTypes, t)
}

// Event is one dispatched notification. It is also the JSON body of a
// wire frame.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Listener receives events of the type it was registered for.
type Listener func(ctx context.Context, ev Event) error

// Payloads carried by the events the pipeline emits. Token and stream
// events carry a plain string.

type StartPayload struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
}

type ToolCallPayload struct {
	RunID     string `json:"run_id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Arguments string `json:"arguments"`
}

type ToolResultPayload struct {
	RunID   string `json:"run_id"`
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Failed  bool   `json:"failed,omitempty"`
}

// ClientActionPayload asks the remote client to perform a tool call.
type ClientActionPayload struct {
	RunID     string         `json:"run_id"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// AudioPayload is one released speech chunk.
type AudioPayload struct {
	Index  int    `json:"index"`
	RunID  string `json:"run_id"`
	Handle string `json:"handle"`
}

// ModelResponsePayload is the final answer of one prompt stage.
type ModelResponsePayload struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Content string `json:"content"`
}

type SelectAgentPayload struct {
	RunID  string `json:"run_id"`
	Agent  string `json:"agent"`
	Reason string `json:"reason,omitempty"`
}
