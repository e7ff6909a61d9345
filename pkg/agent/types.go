package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
)

var (
	// ErrToolNotFound aborts a run whose model asked for a tool it was not offered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrMissingRequiredInputs aborts the chain when a stage cannot be filled.
	ErrMissingRequiredInputs = errors.New("missing required inputs")
	// ErrInvalidWantedResponse is returned when a caller asks for a stage that did not run.
	ErrInvalidWantedResponse = errors.New("invalid wanted response")
	// ErrMaxRoundTrips stops a stage whose tool-call cycles exceed the configured cap.
	ErrMaxRoundTrips = errors.New("maximum round trips exceeded")
	// ErrAgentNotFound is returned for unknown agent names.
	ErrAgentNotFound = errors.New("agent not found")
)

// MissingInputsError names the stage and slots that could not be resolved.
type MissingInputsError struct {
	Stage   string
	Missing []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("%s for stage %s: %s", ErrMissingRequiredInputs, e.Stage, strings.Join(e.Missing, ", "))
}

func (e *MissingInputsError) Unwrap() error { return ErrMissingRequiredInputs }

// RunParams describes one pipeline invocation.
type RunParams struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	// Agent names a single agent. Candidates, when set, lets a selection
	// call pick one of several agents instead.
	Agent      string                `json:"agent,omitempty"`
	Candidates []string              `json:"candidates,omitempty"`
	Message    string                `json:"message,omitempty"`
	Parts      []session.ContentPart `json:"parts,omitempty"`
	Inputs     map[string]any        `json:"inputs,omitempty"`
	Wanted     []string              `json:"wanted,omitempty"`
	// Voice enables speech output with the named voice.
	Voice string `json:"voice,omitempty"`

	Hooks hooks.RunHooks `json:"-"`
}

// RunOutput is the successful result of a run.
type RunOutput struct {
	RunID        string               `json:"run_id"`
	SessionID    string               `json:"session_id"`
	Agent        string               `json:"agent"`
	Responses    map[string]string    `json:"responses"`
	Output       string               `json:"output"`
	HistoryDelta []session.Message    `json:"history_delta"`
	Audio        []hooks.AudioPayload `json:"audio,omitempty"`
	SpeechFailed bool                 `json:"speech_failed,omitempty"`
}

// RunResponse is what Run returns. Failures never escape as Go errors so a
// transport can always serialize an answer.
type RunResponse struct {
	Data  *RunOutput `json:"data"`
	Error string     `json:"error,omitempty"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile is one set of provider credentials tried by FailoverProvider.
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "openai" or "anthropic"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	// Model overrides the requested model for this profile.
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`
}

// IsRetryableError reports whether err is worth retrying: rate limits,
// server errors and network timeouts.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "429", "500", "502", "503", "504", "overloaded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
