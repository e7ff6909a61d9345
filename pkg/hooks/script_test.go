package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachScriptsRunsScriptWithPayloadEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	h := NewHub(zerolog.Nop())

	require.NoError(t, AttachScripts(h, []ScriptHook{{
		ID:      "audio-log",
		Event:   "audio",
		Script:  `echo "$SCOOP_HOOK_EVENT:$SCOOP_HOOK_DATA_INDEX:$SCOOP_HOOK_DATA_HANDLE" > ` + out,
		Enabled: true,
	}}, zerolog.Nop()))

	h.Execute(context.Background(), EventAudio, AudioPayload{Index: 3, RunID: "r1", Handle: "tts_1.mp3"})

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "audio:3:tts_1.mp3\n", string(content))
}

func TestAttachScriptsStringPayload(t *testing.T) {
	out := filepath.Join(t.TempDir(), "payload.txt")
	h := NewHub(zerolog.Nop())

	require.NoError(t, AttachScripts(h, []ScriptHook{{
		Event:   "token",
		Script:  `printf '%s' "$SCOOP_HOOK_PAYLOAD" > ` + out,
		Enabled: true,
	}}, zerolog.Nop()))

	h.Execute(context.Background(), EventToken, "hi")

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(content))
}

func TestAttachScriptsValidation(t *testing.T) {
	h := NewHub(zerolog.Nop())

	assert.Error(t, AttachScripts(h, []ScriptHook{{ID: "x", Event: "daemon:startup", Script: "true", Enabled: true}}, zerolog.Nop()))
	assert.Error(t, AttachScripts(h, []ScriptHook{{ID: "y", Event: "finish", Script: " ", Enabled: true}}, zerolog.Nop()))
	assert.NoError(t, AttachScripts(h, []ScriptHook{{ID: "z", Event: "nope", Enabled: false}}, zerolog.Nop()))
}

func TestScriptFailureDoesNotStopLaterListeners(t *testing.T) {
	h := NewHub(zerolog.Nop())
	require.NoError(t, AttachScripts(h, []ScriptHook{{
		ID:      "slow",
		Event:   "finish",
		Script:  "sleep 2",
		Timeout: 30 * time.Millisecond,
		Enabled: true,
	}}, zerolog.Nop()))

	called := false
	require.NoError(t, h.AddHook(EventFinish, func(context.Context, Event) error {
		called = true
		return nil
	}))

	start := time.Now()
	h.Execute(context.Background(), EventFinish, map[string]any{"ok": true})
	assert.True(t, called)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}
