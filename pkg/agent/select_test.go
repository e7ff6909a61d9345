package agent

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectAgent(t *testing.T) {
	cook := &Definition{Name: "cook", Description: "recipes"}
	coder := &Definition{Name: "coder", Description: "programs"}

	tests := []struct {
		name       string
		reply      string
		want       *Definition
		wantReason string
	}{
		{name: "valid choice", reply: `{"agent":"coder","reason":"asks for code"}`, want: coder, wantReason: "asks for code"},
		{name: "unknown agent", reply: `{"agent":"pilot","reason":"?"}`, want: cook, wantReason: "fallback"},
		{name: "garbage", reply: "coder, obviously", want: cook, wantReason: "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newScript(silentReply(tt.reply))
			got, reason, err := selectAgent(t.Context(), p, "m", []*Definition{cook, coder}, nil, "write Go", zerolog.Nop())
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
			assert.Equal(t, tt.wantReason, reason)

			req := p.requests()[0]
			assert.Equal(t, "select_agent", req.SchemaName)
			assert.Contains(t, req.SystemPrompt, "- coder: programs")
			assert.Equal(t, "write Go", lastMessage(req).Content)
		})
	}
}

func TestSelectAgent_SingleCandidate(t *testing.T) {
	p := newScript()
	only := &Definition{Name: "only"}
	got, _, err := selectAgent(t.Context(), p, "m", []*Definition{only}, nil, "hi", zerolog.Nop())
	require.NoError(t, err)
	assert.Same(t, only, got)
	assert.Empty(t, p.requests())
}

func TestSelectAgent_ProviderError(t *testing.T) {
	p := newScript(step{err: assert.AnError})
	_, _, err := selectAgent(t.Context(), p, "m", []*Definition{{Name: "a"}, {Name: "b"}}, nil, "hi", zerolog.Nop())
	assert.ErrorIs(t, err, assert.AnError)
}
