package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/toolexecutor"
)

func addTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "add",
		Description: "Adds two numbers",
		Kind:        toolexecutor.KindFunction,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "a", Type: "number", Required: true},
			{Name: "b", Type: "number", Required: true},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			return params["a"].(float64) + params["b"].(float64), nil
		},
	}
}

func newTestLoop(t *testing.T, p LLMProvider, hub *hooks.Hub, maxRoundTrips int) *Loop {
	t.Helper()
	exec := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, exec.RegisterTool(addTool()))
	return NewLoop(LoopConfig{
		Provider:      p,
		Tools:         exec,
		Hub:           hub,
		MaxRoundTrips: maxRoundTrips,
		Logger:        zerolog.Nop(),
	})
}

func userTurn(text string) []session.Message {
	return []session.Message{newMessage(session.RoleUser, text, "")}
}

func TestLoop_ToolCycle(t *testing.T) {
	p := newScript(toolCall("c1", "add", `{"a":1,"b":2}`), reply("3"))
	loop := newTestLoop(t, p, nil, 0)

	res, err := loop.Run(t.Context(), Turn{
		Model:    "m",
		Messages: userTurn("1+2?"),
		Offered:  []string{"add"},
		Label:    "calc",
	})
	require.NoError(t, err)

	assert.Equal(t, "3", res.Content)
	assert.Equal(t, 1, res.RoundTrips)
	require.Len(t, res.Messages, 3)

	call := res.Messages[0]
	assert.Equal(t, session.RoleAssistant, call.Role)
	require.Len(t, call.ToolCalls, 1)
	assert.Equal(t, "add", call.ToolCalls[0].Name)

	result := res.Messages[1]
	assert.Equal(t, session.RoleTool, result.Role)
	assert.Equal(t, "c1", result.ToolCallID)
	assert.Equal(t, "add", result.Name)
	assert.Equal(t, "3", result.Content)

	final := res.Messages[2]
	assert.Equal(t, session.RoleAssistant, final.Role)
	assert.Equal(t, "3", final.Content)
	for _, m := range res.Messages {
		assert.Equal(t, "calc", m.Label)
	}

	reqs := p.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "add", reqs[0].Tools[0].Name)
	assert.Len(t, reqs[0].Messages, 1)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestLoop_UnofferedToolAbortsTurn(t *testing.T) {
	p := newScript(toolCall("c1", "delete_everything", `{}`))
	loop := newTestLoop(t, p, nil, 0)

	_, err := loop.Run(t.Context(), Turn{Messages: userTurn("go"), Offered: []string{"add"}})
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Contains(t, err.Error(), "delete_everything")
}

func TestLoop_OfferedToolMustExist(t *testing.T) {
	loop := newTestLoop(t, newScript(reply("x")), nil, 0)

	_, err := loop.Run(t.Context(), Turn{Messages: userTurn("go"), Offered: []string{"missing"}})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestLoop_NotOfferedEvenIfRegistered(t *testing.T) {
	p := newScript(toolCall("c1", "add", `{"a":1,"b":1}`))
	loop := newTestLoop(t, p, nil, 0)

	_, err := loop.Run(t.Context(), Turn{Messages: userTurn("go")})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestLoop_EmptyResponseRetriesWithoutTools(t *testing.T) {
	p := newScript(silentReply(""), reply("hello"))
	loop := newTestLoop(t, p, nil, 0)

	res, err := loop.Run(t.Context(), Turn{Messages: userTurn("hi"), Offered: []string{"add"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)

	reqs := p.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Nil(t, reqs[1].Tools)
}

func TestLoop_EmptyResponseRetriedOnce(t *testing.T) {
	p := newScript(silentReply(""), silentReply(""))
	loop := newTestLoop(t, p, nil, 0)

	res, err := loop.Run(t.Context(), Turn{Messages: userTurn("hi")})
	require.NoError(t, err)
	assert.Empty(t, res.Content)
	assert.Len(t, p.requests(), 2)
}

func TestLoop_MaxRoundTrips(t *testing.T) {
	p := newScript(
		toolCall("c1", "add", `{"a":1,"b":1}`),
		toolCall("c2", "add", `{"a":2,"b":2}`),
		reply("never"),
	)
	loop := newTestLoop(t, p, nil, 1)

	_, err := loop.Run(t.Context(), Turn{Messages: userTurn("loop"), Offered: []string{"add"}})
	assert.ErrorIs(t, err, ErrMaxRoundTrips)
	assert.Len(t, p.requests(), 2)
}

func TestLoop_TokenAndStreamEvents(t *testing.T) {
	rec := &recorder{}
	p := newScript(step{deltas: []string{"Hel", "", "lo"}, resp: LLMResponse{}})
	loop := newTestLoop(t, p, rec.hub(), 0)

	res, err := loop.Run(t.Context(), Turn{Messages: userTurn("hi")})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Content, "content falls back to the streamed text")

	var tokens, snapshots []string
	for _, ev := range rec.of(hooks.EventToken) {
		tokens = append(tokens, ev.Data.(string))
	}
	for _, ev := range rec.of(hooks.EventStream) {
		snapshots = append(snapshots, ev.Data.(string))
	}
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	assert.Equal(t, []string{"Hel", "Hello"}, snapshots)
}

func TestLoop_SynthesizesMissingCallIDs(t *testing.T) {
	rec := &recorder{}
	hub := rec.hub()
	p := newScript(toolCall("", "add", `{"a":1,"b":2}`), reply("3"))
	loop := newTestLoop(t, p, hub, 0)

	res, err := loop.Run(t.Context(), Turn{
		Messages: userTurn("1+2?"),
		Offered:  []string{"add"},
		Exec:     &toolexecutor.ExecutionContext{RunID: "r1", Hub: hub},
	})
	require.NoError(t, err)

	id := res.Messages[0].ToolCalls[0].ID
	assert.True(t, strings.HasPrefix(id, "call_"))
	assert.Equal(t, id, res.Messages[1].ToolCallID)

	calls := rec.of(hooks.EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, id, calls[0].Data.(hooks.ToolCallPayload).CallID)
}

func TestLoop_ToolFailureIsFedBack(t *testing.T) {
	p := newScript(toolCall("c1", "add", `{"a":"one"}`), reply("sorry"))
	loop := newTestLoop(t, p, nil, 0)

	res, err := loop.Run(t.Context(), Turn{Messages: userTurn("go"), Offered: []string{"add"}})
	require.NoError(t, err)
	assert.Contains(t, res.Messages[1].Content, "errors")
	assert.Equal(t, "sorry", res.Content)
}

func TestLoop_ProviderErrorStopsTurn(t *testing.T) {
	p := newScript(step{err: assert.AnError})
	loop := newTestLoop(t, p, nil, 0)

	_, err := loop.Run(t.Context(), Turn{Messages: userTurn("go")})
	assert.ErrorIs(t, err, assert.AnError)
}
