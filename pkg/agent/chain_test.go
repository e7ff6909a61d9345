package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/toolexecutor"
)

func newTestChain(t *testing.T, p LLMProvider, hub *hooks.Hub) *Chain {
	t.Helper()
	return NewChain(ChainConfig{
		Loop:         newTestLoop(t, p, hub, 0),
		Extractor:    &extractor{provider: p, model: "m", logger: zerolog.Nop()},
		Hub:          hub,
		DefaultModel: "default-model",
		Logger:       zerolog.Nop(),
	})
}

func ideasAgent() *Definition {
	return &Definition{
		Name: "ideas",
		Stages: []Stage{
			{Name: "descriptions", Index: 1, Template: "Describe each idea about $topic:\n$main3"},
			{Name: "main3", Index: 0, Template: "Output 3 ideas about $topic"},
		},
	}
}

// extractingProvider answers extraction calls with extracted and every
// other call with answer.
func extractingProvider(extracted, answer string) *scriptedProvider {
	p := newScript()
	p.respond = func(_ context.Context, req LLMRequest) step {
		if req.SchemaName == "extract_inputs" {
			return silentReply(extracted)
		}
		return reply(answer)
	}
	return p
}

func TestChain_LiteralDollarAmountIsNotASlot(t *testing.T) {
	p := newScript(reply("a used Squier"))
	chain := newTestChain(t, p, (&recorder{}).hub())

	res, err := chain.Run(t.Context(), ChainInput{
		RunID: "r1",
		Agent: &Definition{Name: "shop", Stages: []Stage{
			{Name: "s", Template: "Suggest a $topic under $100"},
		}},
		Inputs: map[string]any{"topic": "guitar"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a used Squier", res.Output)

	reqs := p.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].SchemaName)
	assert.Equal(t, "Suggest a guitar under $100", reqs[0].Messages[0].Content)
}

func TestChain_StagesRunInOrder(t *testing.T) {
	rec := &recorder{}
	p := newScript(reply("strings, frets, pickups"), reply("long descriptions"))
	chain := newTestChain(t, p, rec.hub())

	res, err := chain.Run(t.Context(), ChainInput{
		RunID:  "r1",
		Agent:  ideasAgent(),
		Inputs: map[string]any{"topic": "guitar"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"main3":        "strings, frets, pickups",
		"descriptions": "long descriptions",
	}, res.Responses)
	assert.Equal(t, "long descriptions", res.Output)

	reqs := p.requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Empty(t, r.SchemaName, "no extraction call expected")
		assert.Equal(t, "default-model", r.Model)
	}
	assert.Equal(t, "Output 3 ideas about guitar", reqs[0].Messages[0].Content)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "Describe each idea about guitar:\nstrings, frets, pickups", last.Content)

	require.Len(t, res.HistoryDelta, 4)
	labels := make([]string, len(res.HistoryDelta))
	for i, m := range res.HistoryDelta {
		labels[i] = m.Label
		assert.Equal(t, int64(i), m.Seq)
	}
	assert.Equal(t, []string{"main3", "main3", "descriptions", "descriptions"}, labels)

	responses := rec.of(hooks.EventModelResponse)
	require.Len(t, responses, 2)
	assert.Equal(t, "main3", responses[0].Data.(hooks.ModelResponsePayload).Stage)
	assert.Equal(t, "descriptions", responses[1].Data.(hooks.ModelResponsePayload).Stage)
}

func TestChain_SeqContinuesHistory(t *testing.T) {
	p := newScript(reply("hi"))
	chain := newTestChain(t, p, nil)

	history := []session.Message{{Seq: 7, Role: session.RoleUser, Content: "before"}}
	res, err := chain.Run(t.Context(), ChainInput{
		Agent:   &Definition{Name: "helper"},
		History: history,
		Message: "hello",
	})
	require.NoError(t, err)
	require.Len(t, res.HistoryDelta, 2)
	assert.Equal(t, int64(8), res.HistoryDelta[0].Seq)
	assert.Equal(t, int64(9), res.HistoryDelta[1].Seq)

	reqs := p.requests()
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "before", reqs[0].Messages[0].Content)
}

func TestChain_FlatAgentIsConversational(t *testing.T) {
	p := newScript(reply("hey"))
	chain := newTestChain(t, p, nil)

	parts := []session.ContentPart{{Type: "image_url", ImageURL: "https://example.com/a.png"}}
	res, err := chain.Run(t.Context(), ChainInput{
		Agent:   &Definition{Name: "helper", SystemPrompt: "be kind", Model: "agent-model"},
		Message: "look",
		Parts:   parts,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"helper": "hey"}, res.Responses)
	user := res.HistoryDelta[0]
	assert.Equal(t, "look", user.Content)
	assert.Equal(t, parts, user.Parts)
	assert.Equal(t, "helper", user.Label)

	req := p.requests()[0]
	assert.Equal(t, "be kind", req.SystemPrompt)
	assert.Equal(t, "agent-model", req.Model)
}

func TestChain_ExtractsMissingSlot(t *testing.T) {
	p := extractingProvider(`{"topic":"jazz"}`, "done")
	chain := newTestChain(t, p, nil)

	res, err := chain.Run(t.Context(), ChainInput{
		Agent: &Definition{
			Name:   "writer",
			Stages: []Stage{{Name: "draft", Template: "Write about $topic"}},
		},
		Message: "I love jazz",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	reqs := p.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "extract_inputs", reqs[0].SchemaName)
	assert.Equal(t, "I love jazz", reqs[0].Messages[len(reqs[0].Messages)-1].Content)
	assert.Equal(t, "Write about jazz", reqs[1].Messages[0].Content)
}

func TestChain_MissingInputsAfterExtraction(t *testing.T) {
	p := extractingProvider(`{"topic":null}`, "unused")
	chain := newTestChain(t, p, nil)

	_, err := chain.Run(t.Context(), ChainInput{
		Agent: &Definition{
			Name:   "writer",
			Stages: []Stage{{Name: "draft", Template: "Write about $topic"}},
		},
		Message: "hello",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredInputs)

	var missing *MissingInputsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "draft", missing.Stage)
	assert.Equal(t, []string{"topic"}, missing.Missing)
	assert.Len(t, p.requests(), 1)
}

func TestChain_DefaultsAndOptionalSlotsSkipExtraction(t *testing.T) {
	p := newScript(reply("ok"))
	chain := newTestChain(t, p, nil)

	_, err := chain.Run(t.Context(), ChainInput{
		Agent: &Definition{
			Name: "writer",
			Stages: []Stage{{
				Name:     "draft",
				Template: "Write about $topic in $tone",
				Inputs: []InputSlot{
					{Name: "topic", Required: true, Default: "cats"},
					{Name: "tone"},
				},
			}},
		},
	})
	require.NoError(t, err)

	reqs := p.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Write about cats in ", reqs[0].Messages[0].Content)
}

func TestChain_ConversationalStageNeverExtracts(t *testing.T) {
	p := newScript(reply("unused"))
	chain := newTestChain(t, p, nil)

	_, err := chain.Run(t.Context(), ChainInput{
		Agent: &Definition{
			Name:   "tutor",
			Stages: []Stage{{Name: "chat", Conversational: true, Template: "You teach $subject"}},
		},
		Message: "teach me",
	})
	assert.ErrorIs(t, err, ErrMissingRequiredInputs)
	assert.Empty(t, p.requests())
}

func TestChain_ConversationalPromptIsCached(t *testing.T) {
	p := newScript(reply("first"), reply("second"))
	chain := newTestChain(t, p, nil)
	def := &Definition{
		Name:         "tutor",
		SystemPrompt: "Be patient.",
		Stages:       []Stage{{Name: "chat", Conversational: true, Template: "You teach $subject."}},
	}
	sess := &session.Session{ID: "s1"}

	_, err := chain.Run(t.Context(), ChainInput{
		Agent:   def,
		Session: sess,
		Message: "hi",
		Inputs:  map[string]any{"subject": "chess"},
	})
	require.NoError(t, err)
	cached, ok := sess.SavedPrompt("chat")
	require.True(t, ok)
	assert.Equal(t, "You teach chess.", cached)

	_, err = chain.Run(t.Context(), ChainInput{Agent: def, Session: sess, Message: "again"})
	require.NoError(t, err)

	reqs := p.requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, "Be patient.\n\nYou teach chess.", r.SystemPrompt)
	}
	assert.Equal(t, "again", reqs[1].Messages[0].Content)
}

func TestChain_Wanted(t *testing.T) {
	tests := []struct {
		name    string
		wanted  []string
		want    map[string]string
		wantErr error
	}{
		{name: "stage name", wanted: []string{"descriptions"}, want: map[string]string{"descriptions": "B"}},
		{name: "output name", wanted: []string{"ideas"}, want: map[string]string{"ideas": "A"}},
		{name: "unknown", wanted: []string{"summary"}, wantErr: ErrInvalidWantedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &Definition{
				Name: "ideas",
				Stages: []Stage{
					{Name: "main3", Index: 0, Output: "ideas", Template: "ideas about $topic"},
					{Name: "descriptions", Index: 1, Template: "describe $ideas"},
				},
			}
			chain := newTestChain(t, newScript(reply("A"), reply("B")), nil)
			res, err := chain.Run(t.Context(), ChainInput{
				Agent:  def,
				Inputs: map[string]any{"topic": "guitar"},
				Wanted: tt.wanted,
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Responses)
		})
	}
}

func TestChain_StageToolsRestrictOffer(t *testing.T) {
	p := newScript(reply("a"), reply("b"))
	chain := newTestChain(t, p, nil)

	def := &Definition{
		Name:  "calc",
		Tools: []toolexecutor.ToolDefinition{addTool()},
		Stages: []Stage{
			{Name: "plain", Index: 0, Template: "no tools", Tools: []string{}},
			{Name: "math", Index: 1, Template: "use tools"},
		},
	}
	_, err := chain.Run(t.Context(), ChainInput{Agent: def})
	require.NoError(t, err)

	reqs := p.requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Tools)
	require.Len(t, reqs[1].Tools, 1)
	assert.Equal(t, "add", reqs[1].Tools[0].Name)
}

func TestChain_FirstTemplatedStageCarriesParts(t *testing.T) {
	p := newScript(reply("a cat"))
	chain := newTestChain(t, p, nil)

	res, err := chain.Run(t.Context(), ChainInput{
		Agent: &Definition{
			Name:   "vision",
			Stages: []Stage{{Name: "caption", Template: "Describe the image"}},
		},
		Parts: []session.ContentPart{{Type: "image_url", ImageURL: "data:image/png;base64,AA=="}},
	})
	require.NoError(t, err)

	user := res.HistoryDelta[0]
	require.Len(t, user.Parts, 2)
	assert.Equal(t, "text", user.Parts[0].Type)
	assert.Equal(t, "Describe the image", user.Parts[0].Text)
	assert.Equal(t, "image_url", user.Parts[1].Type)
}

func TestChain_EmptyUserMessage(t *testing.T) {
	chain := newTestChain(t, newScript(reply("x")), nil)

	_, err := chain.Run(t.Context(), ChainInput{Agent: &Definition{Name: "helper"}})
	assert.ErrorContains(t, err, "no user message")
}
