package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	RecordRun("writer", time.Second, true)
	RecordToolExecution("lookup", "function", 10*time.Millisecond, false)
	RecordAdmission(5*time.Millisecond, true)
	SetAdmissionWaiting("s1", 2)
	SetAdmissionWaiting("s1", 0)
	RecordHookFailure("token")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `scoop_run_total{agent="writer",status="success"}`)
	assert.Contains(t, body, `scoop_tool_execution_total{kind="function",status="error",tool="lookup"}`)
	assert.Contains(t, body, "scoop_admission_timeouts_total")
	assert.NotContains(t, body, `scoop_admission_waiting{session="s1"}`)
}

func TestAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a, err := OpenAuditLog(path)
	require.NoError(t, err)

	Audit(context.Background(), AuditEvent{
		Type:      "tool",
		SessionID: "s1",
		RunID:     "r1",
		Action:    "execute:lookup",
		Status:    "success",
	})
	require.NoError(t, a.Close())

	// closed logs are uninstalled
	Audit(context.Background(), AuditEvent{Type: "run", Action: "ignored"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"execute:lookup"`)
	assert.Contains(t, string(data), `"run_id":"r1"`)
	assert.NotContains(t, string(data), "ignored")
}
