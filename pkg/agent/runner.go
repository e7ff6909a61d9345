package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/runqueue"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/speech"
	"github.com/harun/scoop/pkg/toolexecutor"
)

const defaultMaxAgentDepth = 3

// RuntimeConfig holds the timing knobs of a run.
type RuntimeConfig struct {
	AdmissionTimeout  time.Duration
	RoundTripDelay    time.Duration
	StageDelay        time.Duration
	MaxRoundTrips     int
	ToolTimeout       time.Duration
	MinSentenceLength int
	// MaxAgentDepth bounds sub-agent nesting.
	MaxAgentDepth int
}

// Config holds runner configuration
type Config struct {
	Store    session.Store
	Queue    *runqueue.Queue
	Provider LLMProvider
	Agents   *Registry
	// Hub carries process-wide listeners; every run gets a fork of it.
	Hub          *hooks.Hub
	Synthesizer  speech.Synthesizer
	DefaultModel string
	Runtime      RuntimeConfig
	Logger       zerolog.Logger
}

type agentTools struct {
	def  *Definition
	exec *toolexecutor.Executor
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

// Runner executes agent runs end to end: admission, agent selection, the
// prompt chain, speech and persistence.
type Runner struct {
	store        session.Store
	queue        *runqueue.Queue
	provider     LLMProvider
	agents       *Registry
	hub          *hooks.Hub
	synth        speech.Synthesizer
	defaultModel string
	runtime      RuntimeConfig
	logger       zerolog.Logger

	toolsMu   sync.Mutex
	functions map[string]toolexecutor.ToolDefinition
	tools     map[string]agentTools

	runsMu sync.Mutex
	active map[string]activeRun
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.Queue == nil {
		cfg.Queue = runqueue.New(runqueue.Config{Logger: cfg.Logger})
	}
	if cfg.Hub == nil {
		cfg.Hub = hooks.NewHub(cfg.Logger)
	}
	if cfg.Runtime.MaxAgentDepth <= 0 {
		cfg.Runtime.MaxAgentDepth = defaultMaxAgentDepth
	}

	return &Runner{
		store:        cfg.Store,
		queue:        cfg.Queue,
		provider:     cfg.Provider,
		agents:       cfg.Agents,
		hub:          cfg.Hub,
		synth:        cfg.Synthesizer,
		defaultModel: cfg.DefaultModel,
		runtime:      cfg.Runtime,
		logger:       cfg.Logger.With().Str("component", "runner").Logger(),
		functions:    make(map[string]toolexecutor.ToolDefinition),
		tools:        make(map[string]agentTools),
		active:       make(map[string]activeRun),
	}, nil
}

// Agents returns the registry the runner resolves agents from.
func (r *Runner) Agents() *Registry {
	return r.agents
}

// RegisterFunction makes a local function tool available to agents that
// declare a tool of the same name.
func (r *Runner) RegisterFunction(def toolexecutor.ToolDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("function tool needs a name and a handler")
	}
	def.Kind = toolexecutor.KindFunction

	r.toolsMu.Lock()
	defer r.toolsMu.Unlock()
	if _, exists := r.functions[def.Name]; exists {
		return fmt.Errorf("function %q already registered", def.Name)
	}
	r.functions[def.Name] = def
	clear(r.tools)
	return nil
}

// toolsFor returns the executor holding def's tools, building it on first
// use and again whenever the definition is reloaded.
func (r *Runner) toolsFor(def *Definition) (*toolexecutor.Executor, error) {
	r.toolsMu.Lock()
	defer r.toolsMu.Unlock()

	if at, ok := r.tools[def.Name]; ok && at.def == def {
		return at.exec, nil
	}

	exec := toolexecutor.New(toolexecutor.Config{
		Timeout: r.runtime.ToolTimeout,
		Agents:  r,
		Logger:  r.logger,
	})
	for _, t := range def.Tools {
		if t.Kind == "" || t.Kind == toolexecutor.KindFunction {
			fn, ok := r.functions[t.Name]
			if !ok {
				return nil, fmt.Errorf("agent %s: function tool %s has no registered handler", def.Name, t.Name)
			}
			if t.Description != "" {
				fn.Description = t.Description
			}
			if len(t.Parameters) > 0 {
				fn.Parameters = t.Parameters
			}
			t = fn
		}
		if err := exec.RegisterTool(t); err != nil {
			return nil, fmt.Errorf("agent %s: %w", def.Name, err)
		}
	}
	r.tools[def.Name] = agentTools{def: def, exec: exec}
	return exec, nil
}

// Run executes one run. It never fails with a Go error: failures are
// reported in RunResponse.Error, after a finish event carrying the same
// response.
func (r *Runner) Run(ctx context.Context, p RunParams) RunResponse {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if p.RunID == "" {
		p.RunID = tracing.NewRunID()
	}
	ctx = tracing.NewRunContext(ctx, p.SessionID, p.RunID, p.Agent)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("session_id", p.SessionID),
		attribute.String("run_id", p.RunID),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	hub := r.hub.Fork()
	hub.AddRunHooks(p.Hooks)

	out, err := r.run(ctx, hub, p)
	tracing.EndSpan(span, err)

	agentName := p.Agent
	if out != nil {
		agentName = out.Agent
	}
	observability.RecordRun(agentName, time.Since(start), err == nil)

	var resp RunResponse
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		resp = RunResponse{Error: err.Error()}
	} else {
		logger.Info().Dur("duration", time.Since(start)).Msg("run complete")
		resp = RunResponse{Data: out}
	}
	hub.Execute(ctx, hooks.EventFinish, resp)
	if err == nil && len(p.Candidates) > 0 {
		hub.Execute(ctx, hooks.EventBoxFinish, out)
	}
	return resp
}

func (r *Runner) run(ctx context.Context, hub *hooks.Hub, p RunParams) (*RunOutput, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	release, err := r.queue.Admit(ctx, p.SessionID, p.RunID, r.runtime.AdmissionTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(p.SessionID, p.RunID, cancel)
	defer r.untrack(p.SessionID, p.RunID)

	startedAt := time.Now()
	sess, err := session.GetOrCreate(runCtx, r.store, p.SessionID, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	history, err := r.store.GetHistory(runCtx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	def, err := r.resolveAgent(runCtx, hub, sess, history, p)
	if err != nil {
		return nil, err
	}
	tools, err := r.toolsFor(def)
	if err != nil {
		return nil, err
	}

	hub.Execute(runCtx, hooks.EventStart, hooks.StartPayload{
		RunID:     p.RunID,
		SessionID: p.SessionID,
		Agent:     def.Name,
	})

	var seq *speech.Sequencer
	if p.Voice != "" && r.synth != nil {
		seq = speech.NewSequencer(runCtx, speech.SequencerConfig{
			Synthesizer: r.synth,
			Hub:         hub,
			RunID:       p.RunID,
			Voice:       p.Voice,
			MinLength:   r.runtime.MinSentenceLength,
			Logger:      r.logger,
		})
		_ = hub.AddHook(hooks.EventToken, seq.Listener())
	}

	loop := NewLoop(LoopConfig{
		Provider:      r.provider,
		Tools:         tools,
		Hub:           hub,
		Delay:         r.runtime.RoundTripDelay,
		MaxRoundTrips: r.runtime.MaxRoundTrips,
		Logger:        r.logger,
	})
	chain := NewChain(ChainConfig{
		Loop: loop,
		Extractor: &extractor{
			provider: r.provider,
			model:    r.modelFor(def),
			logger:   r.logger,
		},
		Hub:          hub,
		StageDelay:   r.runtime.StageDelay,
		DefaultModel: r.defaultModel,
		Logger:       r.logger,
	})

	res, runErr := chain.Run(runCtx, ChainInput{
		RunID:   p.RunID,
		Agent:   def,
		Session: sess,
		History: history,
		Message: p.Message,
		Parts:   p.Parts,
		Inputs:  p.Inputs,
		Wanted:  p.Wanted,
		Exec: &toolexecutor.ExecutionContext{
			RunID:     p.RunID,
			SessionID: p.SessionID,
			Hub:       hub,
			Timeout:   r.runtime.ToolTimeout,
			Agents:    r,
		},
	})

	out := &RunOutput{RunID: p.RunID, SessionID: p.SessionID, Agent: def.Name}
	if seq != nil {
		out.SpeechFailed = seq.Done(runCtx)
		out.Audio = seq.Chunks()
	}

	record := session.RunRecord{
		ID:         p.RunID,
		SessionID:  p.SessionID,
		Agent:      def.Name,
		Message:    p.Message,
		Inputs:     p.Inputs,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		record.Error = runErr.Error()
		r.persistRun(ctx, p.SessionID, record)
		return nil, runErr
	}
	record.Responses = res.Responses

	if err := r.store.PushHistory(ctx, p.SessionID, res.HistoryDelta...); err != nil {
		return nil, fmt.Errorf("failed to save history: %w", err)
	}
	sess.Agent = def.Name
	if err := r.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	r.persistRun(ctx, p.SessionID, record)

	out.Responses = res.Responses
	out.Output = res.Output
	out.HistoryDelta = res.HistoryDelta
	return out, nil
}

func (r *Runner) persistRun(ctx context.Context, sessionID string, rec session.RunRecord) {
	if err := r.store.BatchPushRuns(ctx, sessionID, []session.RunRecord{rec}); err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().Err(err).Msg("failed to save run record")
	}
}

func (r *Runner) modelFor(def *Definition) string {
	if def.Model != "" {
		return def.Model
	}
	return r.defaultModel
}

// resolveAgent picks the agent for p: a selection call among candidates,
// the named agent, or the agent the session last used.
func (r *Runner) resolveAgent(ctx context.Context, hub *hooks.Hub, sess *session.Session, history []session.Message, p RunParams) (*Definition, error) {
	if len(p.Candidates) == 0 {
		name := p.Agent
		if name == "" {
			name = sess.Agent
		}
		if name == "" {
			return nil, fmt.Errorf("no agent specified")
		}
		return r.agents.Get(name)
	}

	candidates := make([]*Definition, 0, len(p.Candidates))
	for _, name := range p.Candidates {
		def, err := r.agents.Get(name)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, def)
	}
	def, reason, err := selectAgent(ctx, r.provider, r.defaultModel, candidates, history, p.Message, r.logger)
	if err != nil {
		return nil, err
	}
	hub.Execute(ctx, hooks.EventSelectAgent, hooks.SelectAgentPayload{
		RunID:  p.RunID,
		Agent:  def.Name,
		Reason: reason,
	})
	return def, nil
}

func (r *Runner) track(sessionID, runID string, cancel context.CancelFunc) {
	r.runsMu.Lock()
	r.active[sessionID] = activeRun{runID: runID, cancel: cancel}
	r.runsMu.Unlock()
}

func (r *Runner) untrack(sessionID, runID string) {
	r.runsMu.Lock()
	if ar, ok := r.active[sessionID]; ok && ar.runID == runID {
		delete(r.active, sessionID)
	}
	r.runsMu.Unlock()
}

// Abort cancels the admitted run of a session. It reports whether a run
// was active.
func (r *Runner) Abort(sessionID string) bool {
	r.runsMu.Lock()
	ar, ok := r.active[sessionID]
	r.runsMu.Unlock()
	if !ok {
		r.logger.Debug().Str("session_id", sessionID).Msg("no active run to abort")
		return false
	}
	r.logger.Info().Str("session_id", sessionID).Str("run_id", ar.runID).Msg("aborting run")
	ar.cancel()
	return true
}

// IsRunning reports whether a run is admitted for the session.
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

type depthKey struct{}

// InvokeAgent runs agent as a nested pipeline in a child session of the
// calling run and returns its output.
func (r *Runner) InvokeAgent(ctx context.Context, agent, instructions string) (string, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= r.runtime.MaxAgentDepth {
		return "", fmt.Errorf("sub-agent depth limit %d reached", r.runtime.MaxAgentDepth)
	}

	parent := tracing.GetSessionID(ctx)
	child := agent
	if parent != "" {
		child = parent + "/" + agent
	}
	ctx = tracing.PropagateToSubAgent(ctx, agent, child)
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	resp := r.Run(ctx, RunParams{
		SessionID: child,
		RunID:     tracing.GetRunID(ctx),
		Agent:     agent,
		Message:   instructions,
	})
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return strings.TrimSpace(resp.Data.Output), nil
}
