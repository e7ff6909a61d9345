package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// execute runs the command tree with fresh flag state and returns
// everything written to stdout and stderr.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel = "", ""
	runOpts = runOptions{format: formatText, inputs: map[string]string{}}
	configureProvider, configureAPIKey, configureModel = "openai", "", ""
	configureForce, configureShow = false, false
	stopTimeout = 30

	cmd := GetRootCmd()
	resetBoolFlags(cmd)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func resetBoolFlags(c *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := c.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, sub := range c.Commands() {
		resetBoolFlags(sub)
	}
}

// fakeOpenAI streams text as a two-chunk chat completion for every request.
func fakeOpenAI(t *testing.T, text string) *httptest.Server {
	t.Helper()
	half := len(text) / 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{text[:half], text[half:]} {
			delta, _ := json.Marshal(map[string]string{"role": "assistant", "content": part})
			fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s,"finish_reason":null}]}`+"\n\n", delta)
		}
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig creates a data directory with one "echo" agent and a config
// file pointing the model profile at baseURL.
func writeConfig(t *testing.T, baseURL string) (path, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	agentsDir := filepath.Join(dataDir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "echo.yaml"),
		[]byte("description: Repeats things\nsystem_prompt: Be brief.\n"), 0o644))

	cfg := map[string]any{
		"data_dir": dataDir,
		"logging":  map[string]any{"level": "error", "file": filepath.Join(dataDir, "scoop.log")},
		"models": map[string]any{
			"profiles": []map[string]any{{
				"id": "main", "provider": "openai", "api_key": "sk-test", "base_url": baseURL,
			}},
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path = filepath.Join(dataDir, "scoop.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, dataDir
}
