package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/scoop/pkg/session"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements LLMProvider for Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider. An empty baseURL uses the public API.
func NewAnthropicProvider(apiKey, baseURL string, opts ...option.RequestOption) *AnthropicProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &AnthropicProvider{client: anthropic.NewClient(reqOpts...)}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// thinkingEcho is a thinking block that must be replayed with its turn.
type thinkingEcho struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// Stream calls the Messages API with streaming and assembles tool-use
// blocks from their JSON fragments.
func (p *AnthropicProvider) Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	system := req.SystemPrompt
	if req.ResponseSchema != nil {
		schema, _ := json.Marshal(req.ResponseSchema)
		system = strings.TrimSpace(system + "\n\nRespond only with a JSON object matching this JSON schema:\n" + string(schema))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		if required, ok := t.Parameters["required"].([]string); ok {
			schema.Required = required
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tool.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, tool)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &LLMResponse{Usage: &TokenUsage{}}
	var (
		content  strings.Builder
		toolCall *session.ToolCall
		toolArgs strings.Builder
		thinking *thinkingEcho
		echoes   []thinkingEcho
	)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			resp.Usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "tool_use":
				tu := block.AsToolUse()
				toolCall = &session.ToolCall{ID: tu.ID, Name: tu.Name}
				toolArgs.Reset()
			case "thinking":
				thinking = &thinkingEcho{}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if onDelta != nil {
						onDelta(delta.Text)
					}
				}
			case "input_json_delta":
				toolArgs.WriteString(delta.PartialJSON)
			case "thinking_delta":
				if thinking != nil {
					thinking.Thinking += delta.Thinking
				}
			case "signature_delta":
				if thinking != nil {
					thinking.Signature += delta.Signature
				}
			}
		case "content_block_stop":
			if toolCall != nil {
				toolCall.Arguments = toolArgs.String()
				if toolCall.Arguments == "" {
					toolCall.Arguments = "{}"
				}
				resp.ToolCalls = append(resp.ToolCalls, *toolCall)
				toolCall = nil
			}
			if thinking != nil {
				echoes = append(echoes, *thinking)
				thinking = nil
			}
		case "message_delta":
			resp.Usage.OutputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	resp.Content = content.String()
	if len(echoes) > 0 {
		resp.Echo, _ = json.Marshal(echoes)
	}
	return resp, nil
}

// anthropicMessages converts history. Consecutive tool results are merged
// into one user turn as the API requires.
func anthropicMessages(msgs []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	mergingResults := false
	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			if mergingResults {
				last := &out[len(out)-1]
				last.Content = append(last.Content, block)
			} else {
				out = append(out, anthropic.NewUserMessage(block))
				mergingResults = true
			}
			continue
		case session.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropicParts(msg)...))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			var echoes []thinkingEcho
			if len(msg.Echo) > 0 && json.Unmarshal(msg.Echo, &echoes) == nil {
				for _, e := range echoes {
					blocks = append(blocks, anthropic.NewThinkingBlock(e.Signature, e.Thinking))
				}
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
		mergingResults = false
	}
	return out
}

func anthropicParts(msg session.Message) []anthropic.ContentBlockParamUnion {
	if len(msg.Parts) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}
	out := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case "image_url":
			out = append(out, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.ImageURL}))
		default:
			out = append(out, anthropic.NewTextBlock(p.Text))
		}
	}
	return out
}
