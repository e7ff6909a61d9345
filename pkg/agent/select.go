package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/session"
)

const selectPrompt = `You route a user's request to the most suitable agent.
Available agents:
%s
Reply with a JSON object {"agent": "<name>", "reason": "<short reason>"}.`

// selection is the structured answer of a selection call.
type selection struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

// selectAgent asks the model to pick one of candidates for the request.
// An unusable answer falls back to the first candidate.
func selectAgent(ctx context.Context, provider LLMProvider, model string, candidates []*Definition, history []session.Message, message string, logger zerolog.Logger) (*Definition, string, error) {
	if len(candidates) == 1 {
		return candidates[0], "only candidate", nil
	}
	logger = tracing.LoggerFromContext(ctx, logger)

	names := make([]any, len(candidates))
	var list strings.Builder
	for i, d := range candidates {
		names[i] = d.Name
		fmt.Fprintf(&list, "- %s: %s\n", d.Name, d.Description)
	}

	msgs := append(append([]session.Message(nil), history...), newMessage(session.RoleUser, message, ""))
	resp, err := provider.Stream(ctx, LLMRequest{
		Model:        model,
		SystemPrompt: fmt.Sprintf(selectPrompt, list.String()),
		Messages:     msgs,
		ResponseSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent":  map[string]any{"type": "string", "enum": names},
				"reason": map[string]any{"type": "string"},
			},
			"required":             []string{"agent", "reason"},
			"additionalProperties": false,
		},
		SchemaName: "select_agent",
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("agent selection: %w", err)
	}

	var sel selection
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &sel); err == nil {
		idx := slices.IndexFunc(candidates, func(d *Definition) bool { return d.Name == sel.Agent })
		if idx >= 0 {
			return candidates[idx], sel.Reason, nil
		}
	}
	logger.Warn().Str("reply", resp.Content).Msg("unusable agent selection, using first candidate")
	return candidates[0], "fallback", nil
}
