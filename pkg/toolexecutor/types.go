package toolexecutor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harun/scoop/pkg/hooks"
)

// Kind selects how a tool is dispatched.
type Kind string

const (
	KindFunction Kind = "function"
	KindAPI      Kind = "api"
	KindAgent    Kind = "agent"
	KindClient   Kind = "client"
)

// ToolParameter declares one argument of a tool.
type ToolParameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// APISpec describes a remote HTTP tool. ${name} placeholders in URL,
// Headers and Body are replaced with call arguments.
type APISpec struct {
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// ToolDefinition is a registered tool.
type ToolDefinition struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Kind        Kind            `json:"kind" yaml:"kind"`
	Parameters  []ToolParameter `json:"parameters" yaml:"parameters"`

	// Exactly one of these is used, according to Kind. Client tools need none.
	Handler ToolHandler `json:"-" yaml:"-"`
	API     *APISpec    `json:"api,omitempty" yaml:"api,omitempty"`
	Agent   string      `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// ToolHandler implements a function tool.
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// AgentInvoker runs a nested pipeline for sub-agent tools.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agent, instructions string) (string, error)
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// Result is the outcome of a Call. Content is what the model sees.
type Result struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Content   string        `json:"content"`
	Failed    bool          `json:"failed,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// ExecutionContext carries run state into tool execution.
type ExecutionContext struct {
	RunID     string
	SessionID string
	Hub       *hooks.Hub
	Timeout   time.Duration
	// Agents overrides the executor's invoker for this run.
	Agents AgentInvoker
}

// errorContent renders failures in the shape models are told to expect.
func errorContent(msgs ...string) string {
	b, _ := json.Marshal(map[string][]string{"errors": msgs})
	return string(b)
}
