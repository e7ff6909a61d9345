package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultScriptTimeout = 10 * time.Second
	// bounds how long output pipes held by orphaned children may block
	scriptWaitDelay = 250 * time.Millisecond
)

// ScriptHook runs a shell script for every event of one type. The script
// sees SCOOP_HOOK_EVENT, SCOOP_HOOK_PAYLOAD (the JSON data) and one
// SCOOP_HOOK_DATA_<FIELD> variable per top-level field of object payloads.
type ScriptHook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// AttachScripts registers the enabled hooks on h as ordinary listeners.
func AttachScripts(h *Hub, scripts []ScriptHook, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "hooks").Logger()
	for _, sh := range scripts {
		if !sh.Enabled {
			continue
		}
		t := EventType(strings.TrimSpace(sh.Event))
		if strings.TrimSpace(sh.Script) == "" {
			return fmt.Errorf("hook %s: script is required for event %q", sh.ID, t)
		}
		if err := h.AddHook(t, scriptListener(sh, logger)); err != nil {
			return fmt.Errorf("hook %s: %w", sh.ID, err)
		}
	}
	return nil
}

func scriptListener(sh ScriptHook, logger zerolog.Logger) Listener {
	id := sh.ID
	if id == "" {
		id = sh.Event
	}
	timeout := sh.Timeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	return func(ctx context.Context, ev Event) error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		env, err := scriptEnv(ev)
		if err != nil {
			return fmt.Errorf("hook %s: %w", id, err)
		}
		cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", sh.Script)
		cmd.Env = env
		cmd.WaitDelay = scriptWaitDelay

		out, err := cmd.CombinedOutput()
		text := strings.TrimSpace(string(out))
		if err != nil {
			if text != "" {
				return fmt.Errorf("hook %s failed: %w: %s", id, err, text)
			}
			return fmt.Errorf("hook %s failed: %w", id, err)
		}
		if text != "" {
			logger.Debug().Str("hook_id", id).Str("event", string(ev.Type)).Str("output", text).Msg("hook executed")
		}
		return nil
	}
}

func scriptEnv(ev Event) ([]string, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	env := append([]string{}, os.Environ()...)
	env = append(env,
		"SCOOP_HOOK_EVENT="+string(ev.Type),
		"SCOOP_HOOK_PAYLOAD="+string(payload),
	)

	var fields map[string]any
	if json.Unmarshal(payload, &fields) != nil {
		return env, nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "SCOOP_HOOK_DATA_"+envKey(k)+"="+fmt.Sprint(fields[k]))
	}
	return env, nil
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
