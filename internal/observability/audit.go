package observability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Type      string         `json:"type"` // run, tool, client_action
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditLog appends audit events as JSON lines and mirrors them as span
// events when the context carries a recording span.
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLog
)

// OpenAuditLog opens (or creates) path and installs it as the process audit log.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a := &AuditLog{logger: zerolog.New(f).With().Timestamp().Logger(), file: f}

	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
	return a, nil
}

// Record writes event. A nil receiver is a no-op.
func (a *AuditLog) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.SessionID != "" {
		e = e.Str("session_id", event.SessionID)
	}
	if event.RunID != "" {
		e = e.Str("run_id", event.RunID)
	}
	if event.Metadata != nil {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Msg("")
}

// Close closes the underlying file and uninstalls the process audit log.
func (a *AuditLog) Close() error {
	auditMu.Lock()
	if auditInst == a {
		auditInst = nil
	}
	auditMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Audit records event on the process audit log, if one is open.
func Audit(ctx context.Context, event AuditEvent) {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	a.Record(ctx, event)
}
