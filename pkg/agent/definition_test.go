package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/scoop/pkg/toolexecutor"
)

const ideasYAML = `
description: Brainstorms and expands ideas
model: gpt-4o-mini
temperature: 0.7
tools:
  - name: search
    description: Web search
    kind: api
    api:
      method: GET
      url: https://search.example.com/?q=${query}
    parameters:
      - name: query
        type: string
        required: true
stages:
  - name: descriptions
    index: 1
    template: "Describe each idea about $topic: $main3"
    tools: [search]
  - name: main3
    index: 0
    template: Output 3 ideas about $topic
    inputs:
      - name: topic
        type: string
        required: true
        description: What to brainstorm about
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinition_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ideas.yaml", ideasYAML)

	def, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "ideas", def.Name, "name defaults to the file name")
	assert.Equal(t, path, def.Path)
	assert.Equal(t, 0.7, def.Temperature)
	require.Len(t, def.Tools, 1)
	assert.Equal(t, toolexecutor.KindAPI, def.Tools[0].Kind)
	assert.True(t, def.Chained())

	plan := def.Plan()
	require.Len(t, plan, 2)
	assert.Equal(t, "main3", plan[0].Name)
	assert.Equal(t, "descriptions", plan[1].Name)
	assert.Equal(t, "descriptions", def.Stages[0].Name, "Plan does not reorder the definition")
}

func TestLoadDefinition_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "file.json", `{"name":"helper","system_prompt":"be brief"}`)

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "helper", def.Name)
	assert.False(t, def.Chained())

	plan := def.Plan()
	require.Len(t, plan, 1)
	assert.Equal(t, "helper", plan[0].Name)
	assert.True(t, plan[0].Conversational)
}

func TestLoadDefinition_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadDefinition(writeFile(t, dir, "a.txt", "name: x"))
	assert.ErrorContains(t, err, "unsupported agent file format")

	_, err = LoadDefinition(writeFile(t, dir, "b.yaml", "name: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse YAML")

	_, err = LoadDefinition(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefinition_Validate(t *testing.T) {
	tool := toolexecutor.ToolDefinition{Name: "search"}

	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{name: "valid", def: Definition{Name: "a", Stages: []Stage{{Name: "s", Template: "x"}}}},
		{name: "no name", def: Definition{}, wantErr: "name cannot be empty"},
		{name: "temperature", def: Definition{Name: "a", Temperature: 2.5}, wantErr: "temperature"},
		{name: "duplicate tool", def: Definition{Name: "a", Tools: []toolexecutor.ToolDefinition{tool, tool}}, wantErr: "duplicate tool"},
		{
			name:    "duplicate stage",
			def:     Definition{Name: "a", Stages: []Stage{{Name: "s", Template: "x"}, {Name: "s", Template: "y"}}},
			wantErr: "duplicate stage",
		},
		{
			name:    "duplicate output",
			def:     Definition{Name: "a", Stages: []Stage{{Name: "s", Template: "x"}, {Name: "t", Output: "s", Template: "y"}}},
			wantErr: "duplicate stage output",
		},
		{
			name:    "template required",
			def:     Definition{Name: "a", Stages: []Stage{{Name: "s"}}},
			wantErr: "needs a template",
		},
		{
			name: "conversational without template",
			def:  Definition{Name: "a", Stages: []Stage{{Name: "s", Conversational: true}}},
		},
		{
			name:    "undeclared stage tool",
			def:     Definition{Name: "a", Stages: []Stage{{Name: "s", Template: "x", Tools: []string{"search"}}}},
			wantErr: "undeclared tool",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestStage_Slots(t *testing.T) {
	s := Stage{Name: "x", Template: "About ${topic} and $tone, again $topic"}
	slots := s.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, "topic", slots[0].Name)
	assert.Equal(t, "tone", slots[1].Name)
	assert.True(t, slots[0].Required)

	declared := Stage{Template: "$a", Inputs: []InputSlot{{Name: "b"}}}
	assert.Equal(t, []InputSlot{{Name: "b"}}, declared.Slots())

	assert.Equal(t, "x", s.OutputName())
	s.Output = "y"
	assert.Equal(t, "y", s.OutputName())
}

func TestRender(t *testing.T) {
	vars := map[string]any{
		"topic": "guitar",
		"count": 3,
		"tags":  []string{"a", "b"},
	}
	assert.Equal(t, "3 ideas about guitar", render("$count ideas about $topic", vars))
	assert.Equal(t, `tags: ["a","b"]`, render("tags: ${tags}", vars))
	assert.Equal(t, "missing: .", render("missing: $nothing.", vars))
	assert.Equal(t, "a guitar under $100, $ or $$", render("a $topic under $100, $ or $$", vars))
	assert.Equal(t, "open ${ brace", render("open ${ brace", vars))
}

func TestStage_SlotsIgnoreLiteralDollars(t *testing.T) {
	s := Stage{Name: "x", Template: "Suggest a $topic under $100 ($5 off, ${ $$)"}
	slots := s.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, "topic", slots[0].Name)
}
