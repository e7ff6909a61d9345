package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/scoop/pkg/session"
)

// LLMProvider is a language model client. Stream sends the request,
// passes every text delta to onDelta as it arrives and returns the
// aggregated response once the model has finished.
type LLMProvider interface {
	Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error)
	Provider() string
}

// ToolSpec is a tool declaration offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// LLMRequest contains the request parameters for one model call.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []session.Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	// ResponseSchema asks for a JSON object matching this schema.
	ResponseSchema map[string]any
	// SchemaName labels ResponseSchema for providers that require one.
	SchemaName string
}

// LLMResponse is the aggregate of one model call.
type LLMResponse struct {
	Content   string
	ToolCalls []session.ToolCall
	// Echo carries provider segments that must be sent back verbatim
	// with the assistant turn on the next call.
	Echo  json.RawMessage
	Usage *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a provider for profile.
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
