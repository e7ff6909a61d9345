package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
)

const (
	metaFile    = "session.json"
	historyFile = "history.jsonl"
	runsFile    = "runs.jsonl"
)

// FileStore keeps each session in its own directory: a JSON metadata file
// plus append-only JSONL files for history and runs.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	closed  bool
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".scoop", "sessions")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	fs := &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "session").Str("backend", "file").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
	fs.logger.Info().Str("dir", dir).Msg("session store initialized")
	return fs, nil
}

// sessionDir escapes id so child session ids like "abc/writer" stay one
// directory deep.
func (fs *FileStore) sessionDir(id string) string {
	return filepath.Join(fs.dir, url.PathEscape(id))
}

func (fs *FileStore) lock(id string) (*sync.Mutex, error) {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	if fs.closed {
		return nil, ErrStoreClosed
	}
	l, ok := fs.locks[id]
	if !ok {
		l = &sync.Mutex{}
		fs.locks[id] = l
	}
	return l, nil
}

func (fs *FileStore) span(ctx context.Context, op, id string) (context.Context, trace.Span, zerolog.Logger) {
	ctx, span := tracing.StartSpan(ctx, "scoop.session", "session."+op,
		attribute.String("session_id", id),
		attribute.String("backend", "file"),
	)
	logger := tracing.LoggerFromContext(ctx, fs.logger).With().Str("session_id", id).Logger()
	return ctx, span, logger
}

// NewSession creates s on disk. It fails with ErrSessionExists if the id
// is taken.
func (fs *FileStore) NewSession(ctx context.Context, s *Session) (err error) {
	_, span, logger := fs.span(ctx, "create", s.ID)
	defer func() { tracing.EndSpan(span, err) }()

	if err := validateID(s.ID); err != nil {
		return err
	}
	l, err := fs.lock(s.ID)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	dir := fs.sessionDir(s.ID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrSessionExists
		}
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if err := writeJSONAtomic(filepath.Join(dir, metaFile), s); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	logger.Info().Str("user_id", s.UserID).Msg("session created")
	return nil
}

// GetSession loads the metadata of id.
func (fs *FileStore) GetSession(ctx context.Context, id string) (s *Session, err error) {
	_, span, _ := fs.span(ctx, "get", id)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := validateID(id); err != nil {
		return nil, err
	}
	return fs.readMeta(id)
}

func (fs *FileStore) readMeta(id string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(fs.sessionDir(id), metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return &s, nil
}

// SaveSession overwrites the metadata of an existing session.
func (fs *FileStore) SaveSession(ctx context.Context, s *Session) (err error) {
	_, span, _ := fs.span(ctx, "save", s.ID)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := validateID(s.ID); err != nil {
		return err
	}
	l, err := fs.lock(s.ID)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	dir := fs.sessionDir(s.ID)
	if _, err := os.Stat(dir); err != nil {
		return ErrSessionNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(filepath.Join(dir, metaFile), s)
}

// DeleteSession removes id and everything stored for it.
func (fs *FileStore) DeleteSession(ctx context.Context, id string) (err error) {
	_, span, logger := fs.span(ctx, "delete", id)
	defer func() { tracing.EndSpan(span, err) }()

	if err := validateID(id); err != nil {
		return err
	}
	l, err := fs.lock(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	dir := fs.sessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		return ErrSessionNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	fs.locksMu.Lock()
	delete(fs.locks, id)
	fs.locksMu.Unlock()

	logger.Info().Msg("session deleted")
	return nil
}

// GetHistory returns every message of id in push order.
func (fs *FileStore) GetHistory(ctx context.Context, id string) (msgs []Message, err error) {
	_, span, logger := fs.span(ctx, "history.load", id)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := validateID(id); err != nil {
		return nil, err
	}
	l, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	if err := readLines(fs.sessionDir(id), historyFile, logger, func(m Message) { msgs = append(msgs, m) }); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PushHistory appends msgs to the history of id.
func (fs *FileStore) PushHistory(ctx context.Context, id string, msgs ...Message) (err error) {
	_, span, logger := fs.span(ctx, "history.push", id)
	defer func() { tracing.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int("count", len(msgs)))
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := validateID(id); err != nil {
		return err
	}
	l, err := fs.lock(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = time.Now().UTC()
		}
	}
	if err := appendLines(fs.sessionDir(id), historyFile, msgs); err != nil {
		return err
	}
	logger.Debug().Int("count", len(msgs)).Msg("history appended")
	return nil
}

// GetRuns returns the run records of id in push order.
func (fs *FileStore) GetRuns(ctx context.Context, id string) (runs []RunRecord, err error) {
	_, span, logger := fs.span(ctx, "runs.load", id)
	defer func() { tracing.EndSpan(span, err) }()

	if err := validateID(id); err != nil {
		return nil, err
	}
	l, err := fs.lock(id)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	if err := readLines(fs.sessionDir(id), runsFile, logger, func(r RunRecord) { runs = append(runs, r) }); err != nil {
		return nil, err
	}
	return runs, nil
}

// BatchPushRuns appends runs to id in one write.
func (fs *FileStore) BatchPushRuns(ctx context.Context, id string, runs []RunRecord) (err error) {
	_, span, _ := fs.span(ctx, "runs.push", id)
	defer func() { tracing.EndSpan(span, err) }()

	if err := validateID(id); err != nil {
		return err
	}
	l, err := fs.lock(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	return appendLines(fs.sessionDir(id), runsFile, runs)
}

// GetUserSessions returns the sessions owned by userID, most recent first.
func (fs *FileStore) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	all, err := fs.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	owned := all[:0]
	for _, s := range all {
		if s.UserID == userID {
			owned = append(owned, s)
		}
	}
	return owned, nil
}

// ListSessions returns every stored session, most recent first.
func (fs *FileStore) ListSessions(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		s, err := fs.readMeta(id)
		if err != nil {
			fs.logger.Warn().Err(err).Str("session_id", id).Msg("skipping unreadable session")
			continue
		}
		sessions = append(sessions, s)
	}
	sortRecent(sessions)
	return sessions, nil
}

// Close rejects further calls.
func (fs *FileStore) Close() error {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	fs.closed = true
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func appendLines[T any](dir, name string, items []T) error {
	if _, err := os.Stat(dir); err != nil {
		return ErrSessionNotFound
	}
	if len(items) == 0 {
		return nil
	}
	var buf []byte
	for _, it := range items {
		line, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Sync()
}

// readLines decodes one JSON value per line. Corrupt lines are logged and
// skipped.
func readLines[T any](dir, name string, logger zerolog.Logger, fn func(T)) error {
	if _, err := os.Stat(dir); err != nil {
		return ErrSessionNotFound
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			logger.Warn().Str("file", name).Int("line", lineNum).Err(err).Msg("failed to parse line, skipping")
			continue
		}
		fn(v)
	}
	return scanner.Err()
}
