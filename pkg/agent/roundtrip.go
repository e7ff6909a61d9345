package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/toolexecutor"
)

const tracerName = "scoop.agent"

// LoopConfig configures a round-trip Loop.
type LoopConfig struct {
	Provider LLMProvider
	Tools    *toolexecutor.Executor
	Hub      *hooks.Hub
	// Delay is the minimum spacing between model calls.
	Delay time.Duration
	// MaxRoundTrips caps tool-call cycles per stage; 0 means unbounded.
	MaxRoundTrips int
	Logger        zerolog.Logger
}

// Loop calls the model until it produces an answer without tool calls.
type Loop struct {
	provider      LLMProvider
	tools         *toolexecutor.Executor
	hub           *hooks.Hub
	limiter       *rate.Limiter
	maxRoundTrips int
	logger        zerolog.Logger
}

// Turn is one stage's worth of model interaction.
type Turn struct {
	Model        string
	SystemPrompt string
	Messages     []session.Message
	// Offered lists the tool names declared to the model.
	Offered     []string
	Temperature float64
	MaxTokens   int
	Label       string
	Exec        *toolexecutor.ExecutionContext
}

// TurnResult is the outcome of a Turn.
type TurnResult struct {
	Content string
	// Messages holds the assistant and tool messages appended during the
	// turn, in order. The final answer is the last message.
	Messages   []session.Message
	RoundTrips int
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Loop{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		hub:           cfg.Hub,
		limiter:       rate.NewLimiter(limit, 1),
		maxRoundTrips: cfg.MaxRoundTrips,
		logger:        cfg.Logger.With().Str("component", "roundtrip").Logger(),
	}
}

// Run drives t to a final answer. Tool results are fed back to the model
// after every cycle; a tool the model was not offered aborts the turn.
func (l *Loop) Run(ctx context.Context, t Turn) (*TurnResult, error) {
	logger := tracing.LoggerFromContext(ctx, l.logger)

	specs, offered, err := l.toolSpecs(t.Offered)
	if err != nil {
		return nil, err
	}

	res := &TurnResult{}
	messages := append([]session.Message(nil), t.Messages...)
	retriedEmpty := false

	for {
		req := LLMRequest{
			Model:        t.Model,
			SystemPrompt: t.SystemPrompt,
			Messages:     messages,
			Tools:        specs,
			Temperature:  t.Temperature,
			MaxTokens:    t.MaxTokens,
		}
		if retriedEmpty {
			req.Tools = nil
		}

		resp, err := l.call(ctx, req, res.RoundTrips)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" && !retriedEmpty {
				logger.Debug().Msg("empty model response, retrying without tools")
				retriedEmpty = true
				continue
			}
			final := newMessage(session.RoleAssistant, resp.Content, t.Label)
			final.Echo = resp.Echo
			res.Messages = append(res.Messages, final)
			res.Content = resp.Content
			return res, nil
		}

		calls := make([]toolexecutor.Call, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			tc := &resp.ToolCalls[i]
			if !offered[tc.Name] {
				return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tc.Name)
			}
			if tc.ID == "" {
				tc.ID = "call_" + gonanoid.Must(16)
			}
			calls[i] = toolexecutor.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}

		if l.maxRoundTrips > 0 && res.RoundTrips >= l.maxRoundTrips {
			return nil, fmt.Errorf("%w (%d)", ErrMaxRoundTrips, l.maxRoundTrips)
		}
		res.RoundTrips++

		assistant := newMessage(session.RoleAssistant, resp.Content, t.Label)
		assistant.ToolCalls = resp.ToolCalls
		assistant.Echo = resp.Echo
		appended := []session.Message{assistant}

		for i, r := range l.tools.ExecuteAll(ctx, calls, t.Exec) {
			msg := newMessage(session.RoleTool, r.Content, t.Label)
			msg.ToolCallID = calls[i].ID
			msg.Name = calls[i].Name
			appended = append(appended, msg)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messages = append(messages, appended...)
		res.Messages = append(res.Messages, appended...)
		retriedEmpty = false
	}
}

// call waits for the limiter and performs one streamed model call,
// dispatching token and stream events as text arrives.
func (l *Loop) call(ctx context.Context, req LLMRequest, n int) (*LLMResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.round_trip",
		attribute.Int("round_trip", n),
		attribute.String("provider", l.provider.Provider()),
		attribute.Int("tools", len(req.Tools)),
	)

	var acc strings.Builder
	resp, err := l.provider.Stream(ctx, req, func(delta string) {
		if delta == "" {
			return
		}
		acc.WriteString(delta)
		l.hub.Execute(ctx, hooks.EventToken, delta)
		l.hub.Execute(ctx, hooks.EventStream, acc.String())
	})
	observability.RecordRoundTrip(l.provider.Provider())
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	if resp.Content == "" && acc.Len() > 0 {
		resp.Content = acc.String()
	}
	return resp, nil
}

func (l *Loop) toolSpecs(names []string) ([]ToolSpec, map[string]bool, error) {
	offered := make(map[string]bool, len(names))
	var specs []ToolSpec
	for _, name := range names {
		if l.tools == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		def := l.tools.GetTool(name)
		schema, ok := l.tools.Schema(name)
		if def == nil || !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		offered[name] = true
		specs = append(specs, ToolSpec{Name: def.Name, Description: def.Description, Parameters: schema})
	}
	return specs, offered, nil
}

func newMessage(role session.Role, content, label string) session.Message {
	return session.Message{
		Role:      role,
		Content:   content,
		Label:     label,
		Timestamp: time.Now(),
	}
}
