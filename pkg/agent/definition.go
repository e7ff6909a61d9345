package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/harun/scoop/pkg/toolexecutor"
)

// Definition is an agent as declared in agents_dir.
type Definition struct {
	Name         string                        `json:"name" yaml:"name"`
	Description  string                        `json:"description" yaml:"description"`
	Model        string                        `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string                        `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature  float64                       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int                           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Tools        []toolexecutor.ToolDefinition `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Stages make the agent a prompt chain. An agent without stages runs
	// as a single conversational stage named after itself.
	Stages []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Path is the file the definition was loaded from.
	Path string `json:"-" yaml:"-"`
}

// Stage is one step of a prompt chain.
type Stage struct {
	Name     string      `json:"name" yaml:"name"`
	Index    int         `json:"index" yaml:"index"`
	Model    string      `json:"model,omitempty" yaml:"model,omitempty"`
	Inputs   []InputSlot `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Template string      `json:"template" yaml:"template"`
	// Output is the variable later stages read this stage's answer from.
	// It defaults to Name.
	Output         string `json:"output,omitempty" yaml:"output,omitempty"`
	Conversational bool   `json:"conversational,omitempty" yaml:"conversational,omitempty"`
	// Tools restricts the agent's tools offered in this stage. Nil offers all.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// InputSlot is a named value a stage needs before it can run.
type InputSlot struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// OutputName returns the variable the stage's answer is stored under.
func (s Stage) OutputName() string {
	if s.Output != "" {
		return s.Output
	}
	return s.Name
}

// Slots returns the declared inputs, or when none are declared, one
// required string slot per template variable.
func (s Stage) Slots() []InputSlot {
	if len(s.Inputs) > 0 {
		return s.Inputs
	}
	var slots []InputSlot
	for _, name := range templateVars(s.Template) {
		slots = append(slots, InputSlot{Name: name, Type: "string", Required: true})
	}
	return slots
}

// Chained reports whether the agent is a multi-stage chain.
func (d *Definition) Chained() bool {
	return len(d.Stages) > 1
}

// Plan returns the stages in execution order.
func (d *Definition) Plan() []Stage {
	if len(d.Stages) == 0 {
		return []Stage{{Name: d.Name, Conversational: true}}
	}
	stages := append([]Stage(nil), d.Stages...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Index < stages[j].Index })
	return stages
}

// ToolNames returns the names of the agent's declared tools.
func (d *Definition) ToolNames() []string {
	names := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		names = append(names, t.Name)
	}
	return names
}

// Validate checks the definition for structural errors.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if d.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}

	tools := make(map[string]bool, len(d.Tools))
	for _, t := range d.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if tools[t.Name] {
			return fmt.Errorf("duplicate tool %q", t.Name)
		}
		tools[t.Name] = true
	}

	stages := make(map[string]bool, len(d.Stages))
	outputs := make(map[string]bool, len(d.Stages))
	for i, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if stages[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		stages[s.Name] = true
		if outputs[s.OutputName()] {
			return fmt.Errorf("duplicate stage output %q", s.OutputName())
		}
		outputs[s.OutputName()] = true
		if !s.Conversational && s.Template == "" {
			return fmt.Errorf("stage %q needs a template", s.Name)
		}
		for _, slot := range s.Inputs {
			if slot.Name == "" {
				return fmt.Errorf("stage %q has an unnamed input", s.Name)
			}
		}
		for _, name := range s.Tools {
			if !tools[name] {
				return fmt.Errorf("stage %q offers undeclared tool %q", s.Name, name)
			}
		}
	}
	return nil
}

// LoadDefinition reads a YAML or JSON agent definition.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}

	var def Definition
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON agent %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse YAML agent %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported agent file format: %s", filepath.Ext(path))
	}

	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = base[:len(base)-len(filepath.Ext(base))]
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("agent %s: %w", path, err)
	}
	def.Path = path
	return &def, nil
}
