package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/observability"
)

// Hub dispatches events to registered listeners.
type Hub struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners map[EventType][]Listener
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger.With().Str("component", "hooks").Logger(),
		listeners: make(map[EventType][]Listener),
	}
}

// AddHook appends fn to the listeners for t.
func (h *Hub) AddHook(t EventType, fn Listener) error {
	if !t.Valid() {
		return fmt.Errorf("unknown event type %q", t)
	}
	if fn == nil {
		return fmt.Errorf("nil listener for %q", t)
	}
	h.mu.Lock()
	h.listeners[t] = append(h.listeners[t], fn)
	h.mu.Unlock()
	return nil
}

// Has reports whether any listener is registered for t.
func (h *Hub) Has(t EventType) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[t]) > 0
}

// Execute runs every listener for t with data, in registration order.
// Failures are logged and counted; Execute itself never fails.
func (h *Hub) Execute(ctx context.Context, t EventType, data any) {
	if h == nil {
		return
	}
	h.mu.RLock()
	fns := h.listeners[t]
	h.mu.RUnlock()
	if len(fns) == 0 {
		return
	}

	ev := Event{Type: t, Data: data}
	for i, fn := range fns {
		if err := invoke(ctx, fn, ev); err != nil {
			observability.RecordHookFailure(string(t))
			h.logger.Warn().
				Err(err).
				Str("event", string(t)).
				Int("listener", i).
				Msg("listener failed")
		}
	}
}

func invoke(ctx context.Context, fn Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

// Fork returns a hub that starts with h's listeners. Listeners added to
// the fork are not seen by h.
func (h *Hub) Fork() *Hub {
	h.mu.RLock()
	defer h.mu.RUnlock()

	f := &Hub{logger: h.logger, listeners: make(map[EventType][]Listener, len(h.listeners))}
	for t, fns := range h.listeners {
		f.listeners[t] = append([]Listener(nil), fns...)
	}
	return f
}
