package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/pkg/hooks"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitute replaces ${name} with params[name]. Non-string values are
// JSON encoded; missing values become empty.
func substitute(tmpl string, params map[string]any, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			b, _ := json.Marshal(v)
			s = string(b)
		}
		if escape != nil {
			return escape(s)
		}
		return s
	})
}

func (e *Executor) runAPI(ctx context.Context, def *ToolDefinition, params map[string]any, ec *ExecutionContext) Result {
	api := def.API
	method := strings.ToUpper(api.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := substitute(api.URL, params, url.QueryEscape)
	var body io.Reader
	if api.Body != "" {
		body = strings.NewReader(substitute(api.Body, params, nil))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(ec))
	defer cancel()

	req, err := http.NewRequestWithContext(runCtx, method, target, body)
	if err != nil {
		return failed(fmt.Sprintf("could not build request for %s: %v", def.Name, err))
	}
	for k, v := range api.Headers {
		req.Header.Set(k, substitute(v, params, nil))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return failed(fmt.Sprintf("request to %s failed: %v", def.Name, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxOutputSize))
	if err != nil {
		return failed(fmt.Sprintf("reading response from %s failed: %v", def.Name, err))
	}

	observability.Audit(ctx, observability.AuditEvent{
		Type:      "tool",
		SessionID: ec.SessionID,
		RunID:     ec.RunID,
		Action:    "api:" + def.Name,
		Status:    resp.Status,
	})

	if resp.StatusCode >= http.StatusBadRequest {
		return failed(fmt.Sprintf("%s returned %s", def.Name, resp.Status), string(data))
	}
	return Result{Content: string(data)}
}

func (e *Executor) runAgent(ctx context.Context, def *ToolDefinition, params map[string]any, ec *ExecutionContext, logger zerolog.Logger) Result {
	inv := ec.Agents
	if inv == nil {
		e.mu.RLock()
		inv = e.agents
		e.mu.RUnlock()
	}
	if inv == nil {
		logger.Error().Str("agent", def.Agent).Msg("no agent invoker configured")
		return failed("could not communicate with agent")
	}

	instructions, _ := params["instructions"].(string)
	out, err := inv.InvokeAgent(ctx, def.Agent, instructions)
	if err != nil {
		logger.Warn().Err(err).Str("agent", def.Agent).Msg("sub-agent failed")
		return failed("could not communicate with agent")
	}
	return Result{Content: out}
}

// runClient defers execution to the remote client and acknowledges at once.
func (e *Executor) runClient(ctx context.Context, call Call, def *ToolDefinition, params map[string]any, ec *ExecutionContext) Result {
	ec.Hub.Execute(ctx, hooks.EventClientAction, hooks.ClientActionPayload{
		RunID:     ec.RunID,
		CallID:    call.ID,
		Name:      def.Name,
		Arguments: params,
	})
	observability.Audit(ctx, observability.AuditEvent{
		Type:      "client_action",
		SessionID: ec.SessionID,
		RunID:     ec.RunID,
		Action:    def.Name,
		Status:    "dispatched",
	})
	return Result{Content: fmt.Sprintf("%s executed successfully", def.Name)}
}
