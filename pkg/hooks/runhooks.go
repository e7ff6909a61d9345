package hooks

import "context"

// RunHooks is the caller-supplied listener set for a single run. Nil
// fields are skipped.
type RunHooks struct {
	OnStart         Listener
	OnToken         Listener
	OnStream        Listener
	OnAudio         Listener
	OnToolCall      Listener
	OnToolResult    Listener
	OnClientAction  Listener
	OnModelResponse Listener
	OnFinish        Listener
	OnSelectAgent   Listener
	OnBoxFinish     Listener
}

func (rh RunHooks) byType() map[EventType]Listener {
	return map[EventType]Listener{
		EventStart:         rh.OnStart,
		EventToken:         rh.OnToken,
		EventStream:        rh.OnStream,
		EventAudio:         rh.OnAudio,
		EventToolCall:      rh.OnToolCall,
		EventToolResult:    rh.OnToolResult,
		EventClientAction:  rh.OnClientAction,
		EventModelResponse: rh.OnModelResponse,
		EventFinish:        rh.OnFinish,
		EventSelectAgent:   rh.OnSelectAgent,
		EventBoxFinish:     rh.OnBoxFinish,
	}
}

// AddRunHooks registers every non-nil listener in rh, in EventTypes order.
func (h *Hub) AddRunHooks(rh RunHooks) {
	set := rh.byType()
	for _, t := range EventTypes {
		if fn := set[t]; fn != nil {
			_ = h.AddHook(t, fn)
		}
	}
}

// All returns a RunHooks routing every event type to fn.
func All(fn Listener) RunHooks {
	return RunHooks{
		OnStart: fn, OnToken: fn, OnStream: fn, OnAudio: fn,
		OnToolCall: fn, OnToolResult: fn, OnClientAction: fn,
		OnModelResponse: fn, OnFinish: fn, OnSelectAgent: fn, OnBoxFinish: fn,
	}
}

// TextListener adapts a string callback for token and stream events.
func TextListener(fn func(ctx context.Context, text string)) Listener {
	return func(ctx context.Context, ev Event) error {
		if s, ok := ev.Data.(string); ok {
			fn(ctx, s)
		}
		return nil
	}
}
