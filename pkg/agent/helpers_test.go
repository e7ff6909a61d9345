package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
)

// step is one scripted model reply.
type step struct {
	deltas []string
	resp   LLMResponse
	err    error
}

func reply(text string) step {
	return step{deltas: []string{text}, resp: LLMResponse{Content: text}}
}

func silentReply(text string) step {
	return step{resp: LLMResponse{Content: text}}
}

func toolCall(id, name, args string) step {
	return step{resp: LLMResponse{ToolCalls: []session.ToolCall{{ID: id, Name: name, Arguments: args}}}}
}

// scriptedProvider replays steps in order and records every request.
// When respond is set it answers instead of the script.
type scriptedProvider struct {
	mu      sync.Mutex
	name    string
	steps   []step
	calls   []LLMRequest
	respond func(ctx context.Context, req LLMRequest) step
}

func newScript(steps ...step) *scriptedProvider {
	return &scriptedProvider{name: "scripted", steps: steps}
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var s step
	switch {
	case p.respond != nil:
		p.mu.Unlock()
		s = p.respond(ctx, req)
	case len(p.steps) == 0:
		p.mu.Unlock()
		return nil, errors.New("script exhausted")
	default:
		s = p.steps[0]
		p.steps = p.steps[1:]
		p.mu.Unlock()
	}

	for _, d := range s.deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	resp := s.resp
	return &resp, nil
}

func (p *scriptedProvider) requests() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LLMRequest(nil), p.calls...)
}

// recorder collects every hub event in dispatch order.
type recorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *recorder) listener() hooks.Listener {
	return func(_ context.Context, ev hooks.Event) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) hub() *hooks.Hub {
	h := hooks.NewHub(zerolog.Nop())
	h.AddRunHooks(hooks.All(r.listener()))
	return h
}

func (r *recorder) of(t hooks.EventType) []hooks.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hooks.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types() []hooks.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
