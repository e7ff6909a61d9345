package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/toolexecutor"
)

// ChainConfig configures a Chain.
type ChainConfig struct {
	Loop      *Loop
	Extractor *extractor
	Hub       *hooks.Hub
	// StageDelay is waited between consecutive stages.
	StageDelay   time.Duration
	DefaultModel string
	Logger       zerolog.Logger
}

// Chain runs an agent's stages in index order over one run.
type Chain struct {
	loop         *Loop
	extract      *extractor
	hub          *hooks.Hub
	stageDelay   time.Duration
	defaultModel string
	logger       zerolog.Logger
}

// ChainInput is the state a chain runs against.
type ChainInput struct {
	RunID   string
	Agent   *Definition
	Session *session.Session
	History []session.Message
	Message string
	Parts   []session.ContentPart
	Inputs  map[string]any
	Wanted  []string
	Exec    *toolexecutor.ExecutionContext
}

// ChainResult holds the stage answers and the messages the run added.
type ChainResult struct {
	Responses    map[string]string
	Output       string
	HistoryDelta []session.Message
}

// NewChain creates a Chain.
func NewChain(cfg ChainConfig) *Chain {
	return &Chain{
		loop:         cfg.Loop,
		extract:      cfg.Extractor,
		hub:          cfg.Hub,
		stageDelay:   cfg.StageDelay,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger.With().Str("component", "chain").Logger(),
	}
}

// chainRun is the mutable state of one Chain.Run call.
type chainRun struct {
	in        ChainInput
	inputs    map[string]any
	delta     []session.Message
	nextSeq   int64
	responses map[string]string
	outputs   map[string]string
}

func (cr *chainRun) push(msgs ...session.Message) {
	for _, m := range msgs {
		m.Seq = cr.nextSeq
		cr.nextSeq++
		cr.delta = append(cr.delta, m)
	}
}

// context returns the prior history followed by what this run added.
func (cr *chainRun) context() []session.Message {
	out := make([]session.Message, 0, len(cr.in.History)+len(cr.delta))
	out = append(out, cr.in.History...)
	return append(out, cr.delta...)
}

// Run executes every stage of in.Agent and returns their answers.
func (c *Chain) Run(ctx context.Context, in ChainInput) (*ChainResult, error) {
	cr := &chainRun{
		in:        in,
		inputs:    make(map[string]any, len(in.Inputs)),
		responses: make(map[string]string),
		outputs:   make(map[string]string),
	}
	for k, v := range in.Inputs {
		cr.inputs[k] = v
	}
	if n := len(in.History); n > 0 {
		cr.nextSeq = in.History[n-1].Seq + 1
	}

	var output string
	for i, stage := range in.Agent.Plan() {
		if i > 0 && c.stageDelay > 0 {
			t := time.NewTimer(c.stageDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		content, err := c.runStage(ctx, cr, stage, i == 0)
		if err != nil {
			return nil, err
		}
		output = content
		cr.responses[stage.Name] = content
		cr.outputs[stage.OutputName()] = stage.Name
		cr.inputs[stage.OutputName()] = content

		c.hub.Execute(ctx, hooks.EventModelResponse, hooks.ModelResponsePayload{
			RunID:   in.RunID,
			Stage:   stage.Name,
			Content: content,
		})
	}

	responses, err := cr.wanted(in.Wanted)
	if err != nil {
		return nil, err
	}
	return &ChainResult{Responses: responses, Output: output, HistoryDelta: cr.delta}, nil
}

func (c *Chain) runStage(ctx context.Context, cr *chainRun, stage Stage, first bool) (string, error) {
	agent := cr.in.Agent
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.stage",
		attribute.String("agent", agent.Name),
		attribute.String("stage", stage.Name),
		attribute.Bool("conversational", stage.Conversational),
	)
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("stage", stage.Name).Logger()

	label := agent.Name
	if agent.Chained() {
		label = stage.Name
	}

	system := agent.SystemPrompt
	var user session.Message
	if stage.Conversational {
		prompt, err := c.conversationalPrompt(cr, stage)
		if err != nil {
			tracing.EndSpan(span, err)
			return "", err
		}
		if prompt != "" {
			system = joinPrompt(system, prompt)
		}
		user = newMessage(session.RoleUser, cr.in.Message, label)
		user.Parts = cr.in.Parts
	} else {
		vars, err := c.resolve(ctx, cr, stage)
		if err != nil {
			tracing.EndSpan(span, err)
			return "", err
		}
		user = newMessage(session.RoleUser, render(stage.Template, vars), label)
		if first && len(cr.in.Parts) > 0 {
			user.Parts = append([]session.ContentPart{{Type: "text", Text: user.Content}}, cr.in.Parts...)
		}
	}
	if user.Content == "" && len(user.Parts) == 0 {
		err := fmt.Errorf("stage %s has no user message", stage.Name)
		tracing.EndSpan(span, err)
		return "", err
	}
	cr.push(user)

	offered := stage.Tools
	if offered == nil {
		offered = agent.ToolNames()
	}
	model := stage.Model
	if model == "" {
		model = agent.Model
	}
	if model == "" {
		model = c.defaultModel
	}

	res, err := c.loop.Run(ctx, Turn{
		Model:        model,
		SystemPrompt: system,
		Messages:     cr.context(),
		Offered:      offered,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
		Label:        label,
		Exec:         cr.in.Exec,
	})
	if err != nil {
		tracing.EndSpan(span, err)
		return "", fmt.Errorf("stage %s: %w", stage.Name, err)
	}
	cr.push(res.Messages...)
	span.SetAttributes(attribute.Int("round_trips", res.RoundTrips))
	tracing.EndSpan(span, nil)

	logger.Debug().Int("round_trips", res.RoundTrips).Msg("stage complete")
	return res.Content, nil
}

// conversationalPrompt renders the stage template once per session and
// reuses the cached text afterwards.
func (c *Chain) conversationalPrompt(cr *chainRun, stage Stage) (string, error) {
	if stage.Template == "" {
		return "", nil
	}
	sess := cr.in.Session
	if sess != nil {
		if p, ok := sess.SavedPrompt(stage.OutputName()); ok {
			return p, nil
		}
	}

	vars, missing := cr.fill(stage.Slots())
	if len(missing) > 0 {
		return "", &MissingInputsError{Stage: stage.Name, Missing: slotNames(missing)}
	}
	prompt := render(stage.Template, vars)
	if sess != nil {
		sess.SavePrompt(stage.OutputName(), prompt)
	}
	return prompt, nil
}

// resolve gathers the values for stage's slots, extracting missing
// required ones from the conversation.
func (c *Chain) resolve(ctx context.Context, cr *chainRun, stage Stage) (map[string]any, error) {
	vars, missing := cr.fill(stage.Slots())
	if len(missing) == 0 {
		return vars, nil
	}
	if c.extract == nil {
		return nil, &MissingInputsError{Stage: stage.Name, Missing: slotNames(missing)}
	}

	msgs := cr.context()
	if cr.in.Message != "" || len(cr.in.Parts) > 0 {
		m := newMessage(session.RoleUser, cr.in.Message, "")
		m.Parts = cr.in.Parts
		msgs = append(msgs, m)
	}
	found, err := c.extract.Extract(ctx, missing, msgs)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	var still []InputSlot
	for _, s := range missing {
		v, ok := found[s.Name]
		if !ok {
			still = append(still, s)
			continue
		}
		vars[s.Name] = v
		cr.inputs[s.Name] = v
	}
	if len(still) > 0 {
		return nil, &MissingInputsError{Stage: stage.Name, Missing: slotNames(still)}
	}
	return vars, nil
}

// fill collects slot values from the run inputs and slot defaults. It
// returns the required slots that have no value.
func (cr *chainRun) fill(slots []InputSlot) (map[string]any, []InputSlot) {
	vars := make(map[string]any, len(cr.inputs))
	for k, v := range cr.inputs {
		vars[k] = v
	}
	var missing []InputSlot
	for _, s := range slots {
		if v, ok := vars[s.Name]; ok && !isEmpty(v) {
			continue
		}
		if s.Default != nil {
			vars[s.Name] = s.Default
			continue
		}
		if s.Required {
			missing = append(missing, s)
		}
	}
	return vars, missing
}

// wanted filters the responses to the requested names, which may be stage
// names or output variables.
func (cr *chainRun) wanted(names []string) (map[string]string, error) {
	if len(names) == 0 {
		return cr.responses, nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := cr.responses[name]; ok {
			out[name] = v
			continue
		}
		if stage, ok := cr.outputs[name]; ok {
			out[name] = cr.responses[stage]
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidWantedResponse, name)
	}
	return out, nil
}

func slotNames(slots []InputSlot) []string {
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = s.Name
	}
	return names
}

func joinPrompt(parts ...string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
