package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/session"
)

const extractPrompt = `You extract structured values from a conversation.
Reply with a single JSON object containing exactly these keys:
%s
Use null for any value the conversation does not provide. Do not guess.`

// extractor fills missing input slots with a structured model call.
type extractor struct {
	provider LLMProvider
	model    string
	logger   zerolog.Logger
}

func slotType(s InputSlot) string {
	if s.Type == "" {
		return "string"
	}
	return s.Type
}

func extractionSchema(slots []InputSlot) map[string]any {
	props := make(map[string]any, len(slots))
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		p := map[string]any{"type": []string{slotType(s), "null"}}
		if s.Description != "" {
			p["description"] = s.Description
		}
		props[s.Name] = p
		names = append(names, s.Name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             names,
		"additionalProperties": false,
	}
}

// Extract returns the values the model could find for slots. Values that
// are empty or of the wrong type are dropped. A failed call only yields an
// error when ctx is done; otherwise nothing is extracted.
func (x *extractor) Extract(ctx context.Context, slots []InputSlot, messages []session.Message) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.extract", attribute.Int("slots", len(slots)))
	logger := tracing.LoggerFromContext(ctx, x.logger)
	observability.RecordExtraction()

	var keys strings.Builder
	for _, s := range slots {
		fmt.Fprintf(&keys, "- %s (%s)", s.Name, slotType(s))
		if s.Description != "" {
			fmt.Fprintf(&keys, ": %s", s.Description)
		}
		keys.WriteString("\n")
	}

	resp, err := x.provider.Stream(ctx, LLMRequest{
		Model:          x.model,
		SystemPrompt:   fmt.Sprintf(extractPrompt, keys.String()),
		Messages:       messages,
		ResponseSchema: extractionSchema(slots),
		SchemaName:     "extract_inputs",
	}, nil)
	if err != nil {
		tracing.EndSpan(span, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Msg("input extraction failed")
		return map[string]any{}, nil
	}
	tracing.EndSpan(span, nil)

	var raw map[string]any
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &raw); err != nil {
		logger.Warn().Err(err).Msg("input extraction returned invalid JSON")
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(slots))
	for _, s := range slots {
		v, ok := raw[s.Name]
		if !ok || isEmpty(v) {
			continue
		}
		if !validSlotValue(s, v) {
			logger.Debug().Str("slot", s.Name).Msg("extracted value has the wrong type")
			continue
		}
		out[s.Name] = v
	}
	return out, nil
}

func validSlotValue(s InputSlot, v any) bool {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(map[string]any{"type": slotType(s)}))
	if err != nil {
		return false
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(v))
	return err == nil && res.Valid()
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
