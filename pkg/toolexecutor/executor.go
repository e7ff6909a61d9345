package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/hooks"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
)

// Config configures an Executor.
type Config struct {
	Timeout        time.Duration
	MaxConcurrency int // per ExecuteAll call; 0 means unlimited
	HTTPClient     *http.Client
	Agents         AgentInvoker
	Logger         zerolog.Logger
}

// Executor holds the tool registry and runs calls against it.
type Executor struct {
	timeout        time.Duration
	maxConcurrency int
	httpClient     *http.Client
	agents         AgentInvoker
	logger         zerolog.Logger

	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	raw     map[string]map[string]any
}

// New creates an empty executor.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	observability.EnsureRegistered()
	return &Executor{
		timeout:        cfg.Timeout,
		maxConcurrency: cfg.MaxConcurrency,
		httpClient:     cfg.HTTPClient,
		agents:         cfg.Agents,
		logger:         cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		raw:            make(map[string]map[string]any),
	}
}

// RegisterTool validates def and adds it to the registry.
func (e *Executor) RegisterTool(def ToolDefinition) error {
	if def.Kind == "" {
		def.Kind = KindFunction
	}
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	raw := parameterSchema(def.Parameters)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("generate schema for %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema
	e.raw[def.Name] = raw

	e.logger.Debug().Str("tool", def.Name).Str("kind", string(def.Kind)).Msg("tool registered")
	return nil
}

// UnregisterTool removes name.
func (e *Executor) UnregisterTool(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tools, name)
	delete(e.schemas, name)
	delete(e.raw, name)
}

// GetTool returns the definition of name, or nil.
func (e *Executor) GetTool(name string) *ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[name]
}

// ListTools returns registered names, sorted.
func (e *Executor) ListTools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tools))
	for n := range e.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schema returns the JSON schema of name's arguments, as offered to models.
func (e *Executor) Schema(name string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.raw[name]
	return s, ok
}

func validateDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	switch def.Kind {
	case KindFunction:
		if def.Handler == nil {
			return fmt.Errorf("function tool %s needs a handler", def.Name)
		}
	case KindAPI:
		if def.API == nil || def.API.URL == "" {
			return fmt.Errorf("api tool %s needs a url", def.Name)
		}
	case KindAgent:
		if def.Agent == "" {
			return fmt.Errorf("agent tool %s needs a target agent", def.Name)
		}
	case KindClient:
	default:
		return fmt.Errorf("unknown tool kind %q", def.Kind)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	if def.Kind == KindAgent && !hasParam(def.Parameters, "instructions") {
		return fmt.Errorf("agent tool %s must declare an instructions parameter", def.Name)
	}
	return nil
}

func hasParam(params []ToolParameter, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func parameterSchema(params []ToolParameter) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		ps := map[string]any{"type": p.Type}
		if p.Description != "" {
			ps["description"] = p.Description
		}
		if p.Default != nil {
			ps["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			ps["enum"] = p.Enum
		}
		props[p.Name] = ps
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Execute runs one call. It never returns an error; failures are encoded
// in the Result content.
func (e *Executor) Execute(ctx context.Context, call Call, ec *ExecutionContext) Result {
	if ec == nil {
		ec = &ExecutionContext{}
	}
	e.mu.RLock()
	def := e.tools[call.Name]
	schema := e.schemas[call.Name]
	e.mu.RUnlock()

	kind := KindFunction
	if def != nil {
		kind = def.Kind
	}

	ctx, span := tracing.StartSpan(ctx, "scoop.toolexecutor", "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
		attribute.String("kind", string(kind)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	ec.Hub.Execute(ctx, hooks.EventToolCall, hooks.ToolCallPayload{
		RunID:     ec.RunID,
		CallID:    call.ID,
		Name:      call.Name,
		Kind:      string(kind),
		Arguments: call.Arguments,
	})

	start := time.Now()
	res := e.run(ctx, call, def, schema, ec, logger)
	res.CallID = call.ID
	res.Name = call.Name
	res.Duration = time.Since(start)
	if !res.Failed {
		res.Content, res.Truncated = truncateOutput(res.Content, maxOutputSize)
	}

	if res.Failed {
		logger.Warn().Dur("duration", res.Duration).Str("content", res.Content).Msg("tool call failed")
	} else {
		logger.Debug().Dur("duration", res.Duration).Bool("truncated", res.Truncated).Msg("tool call completed")
	}
	observability.RecordToolExecution(call.Name, string(kind), res.Duration, !res.Failed)

	ec.Hub.Execute(ctx, hooks.EventToolResult, hooks.ToolResultPayload{
		RunID:   ec.RunID,
		CallID:  call.ID,
		Name:    call.Name,
		Content: res.Content,
		Failed:  res.Failed,
	})
	return res
}

// failed bounds each message before encoding so the content stays valid
// JSON however long the failure text is.
func failed(msgs ...string) Result {
	res := Result{Failed: true}
	limit := maxOutputSize / max(len(msgs), 1)
	bounded := make([]string, len(msgs))
	for i, m := range msgs {
		var cut bool
		bounded[i], cut = truncateOutput(m, limit)
		res.Truncated = res.Truncated || cut
	}
	res.Content = errorContent(bounded...)
	return res
}

func (e *Executor) run(ctx context.Context, call Call, def *ToolDefinition, schema *gojsonschema.Schema, ec *ExecutionContext, logger zerolog.Logger) Result {
	if def == nil {
		return failed(fmt.Sprintf("tool not found: %s", call.Name))
	}

	params, err := parseArguments(call.Arguments)
	if err != nil {
		return failed(fmt.Sprintf("could not parse arguments for %s: %v", call.Name, err))
	}
	if msgs := validate(schema, params); len(msgs) > 0 {
		return failed(msgs...)
	}
	applyDefaults(def.Parameters, params)

	switch def.Kind {
	case KindFunction:
		return e.runFunction(ctx, def, params, ec)
	case KindAPI:
		return e.runAPI(ctx, def, params, ec)
	case KindAgent:
		return e.runAgent(ctx, def, params, ec, logger)
	case KindClient:
		return e.runClient(ctx, call, def, params, ec)
	}
	return failed(fmt.Sprintf("unknown tool kind %q", def.Kind))
}

func parseArguments(raw string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func validate(schema *gojsonschema.Schema, params map[string]any) []string {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []string{err.Error()}
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		msgs = append(msgs, re.String())
	}
	return msgs
}

func applyDefaults(decl []ToolParameter, params map[string]any) {
	for _, p := range decl {
		if _, ok := params[p.Name]; !ok && p.Default != nil {
			params[p.Name] = p.Default
		}
	}
}

func (e *Executor) timeoutFor(ec *ExecutionContext) time.Duration {
	if ec.Timeout > 0 {
		return ec.Timeout
	}
	return e.timeout
}

func (e *Executor) runFunction(ctx context.Context, def *ToolDefinition, params map[string]any, ec *ExecutionContext) Result {
	timeout := e.timeoutFor(ec)
	runCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, ec), timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := def.Handler(runCtx, params)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return failed(o.err.Error())
		}
		content, err := stringify(o.value)
		if err != nil {
			return failed(fmt.Sprintf("could not encode tool output: %v", err))
		}
		return Result{Content: content}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return failed(fmt.Sprintf("tool execution cancelled: %v", ctx.Err()))
		}
		return failed(fmt.Sprintf("tool execution timeout after %v", timeout))
	}
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// truncateOutput cuts s to at most limit bytes on a rune boundary.
func truncateOutput(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... [output truncated]", true
}

// ExecuteAll runs calls concurrently and returns results in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call, ec *ExecutionContext) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call, ec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
