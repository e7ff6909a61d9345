package runqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
)

// ErrRunTimeout is returned when a run is not admitted before its timeout.
var ErrRunTimeout = errors.New("run timeout: session is busy")

// ErrClosed is returned by Admit after Close.
var ErrClosed = errors.New("run queue closed")

// Config configures a Queue.
type Config struct {
	// DefaultTimeout applies when Admit is called with a zero timeout.
	// Zero means wait until ctx is done.
	DefaultTimeout time.Duration
	// WarnAfter logs a warning for runs still waiting after this long.
	WarnAfter time.Duration
	Logger    zerolog.Logger
}

type waiter struct {
	runID      string
	ready      chan struct{}
	enqueuedAt time.Time
}

type sessionState struct {
	active    string
	startedAt time.Time
	waiters   []*waiter
}

// Stats describes one session line.
type Stats struct {
	ActiveRun string
	Waiting   int
	Since     time.Time
}

// Queue is a per-session FIFO mutex.
type Queue struct {
	defaultTimeout time.Duration
	warnAfter      time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool
}

// New creates a queue.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()
	return &Queue{
		defaultTimeout: cfg.DefaultTimeout,
		warnAfter:      cfg.WarnAfter,
		logger:         cfg.Logger.With().Str("component", "runqueue").Logger(),
		sessions:       make(map[string]*sessionState),
	}
}

// Admit blocks until runID is the active run of sessionID. The returned
// release must be called exactly once; extra calls are ignored.
func (q *Queue) Admit(ctx context.Context, sessionID, runID string, timeout time.Duration) (func(), error) {
	ctx, span := tracing.StartSpan(ctx, "scoop.runqueue", "runqueue.admit",
		attribute.String("session_id", sessionID),
		attribute.String("run_id", runID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	started := time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		err = ErrClosed
		return nil, err
	}
	st, ok := q.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		q.sessions[sessionID] = st
	}
	if st.active == "" && len(st.waiters) == 0 {
		st.active = runID
		st.startedAt = started
		q.mu.Unlock()
		observability.RecordAdmission(0, false)
		observability.IncActiveRuns()
		logger.Debug().Msg("run admitted")
		return q.releaser(sessionID, runID), nil
	}

	w := &waiter{runID: runID, ready: make(chan struct{}), enqueuedAt: started}
	st.waiters = append(st.waiters, w)
	waiting := len(st.waiters)
	q.mu.Unlock()

	observability.SetAdmissionWaiting(sessionID, waiting)
	logger.Debug().Int("position", waiting).Msg("run waiting for admission")

	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	var warn <-chan time.Time
	if q.warnAfter > 0 && (timeout <= 0 || q.warnAfter < timeout) {
		wt := time.NewTimer(q.warnAfter)
		defer wt.Stop()
		warn = wt.C
	}

	for {
		select {
		case <-w.ready:
			observability.RecordAdmission(time.Since(started), false)
			observability.IncActiveRuns()
			logger.Debug().Dur("waited", time.Since(started)).Msg("run admitted")
			return q.releaser(sessionID, runID), nil

		case <-warn:
			warn = nil
			logger.Warn().Dur("waited", time.Since(started)).Int("position", q.position(sessionID, w)).Msg("run waiting longer than expected")

		case <-deadline:
			if q.abandon(sessionID, w) {
				observability.RecordAdmission(time.Since(started), true)
				logger.Warn().Dur("timeout", timeout).Msg("admission timed out")
				err = ErrRunTimeout
				return nil, err
			}
			// granted while the timer fired
			observability.RecordAdmission(time.Since(started), false)
			observability.IncActiveRuns()
			return q.releaser(sessionID, runID), nil

		case <-ctx.Done():
			if q.abandon(sessionID, w) {
				err = ctx.Err()
				return nil, err
			}
			observability.IncActiveRuns()
			return q.releaser(sessionID, runID), nil
		}
	}
}

// abandon removes w from the line. It returns false when w was granted
// before the lock was taken; the caller then owns the session.
func (q *Queue) abandon(sessionID string, w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-w.ready:
		return false
	default:
	}

	st := q.sessions[sessionID]
	for i, cand := range st.waiters {
		if cand == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
	observability.SetAdmissionWaiting(sessionID, len(st.waiters))
	return true
}

func (q *Queue) position(sessionID string, w *waiter) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.sessions[sessionID]; ok {
		for i, cand := range st.waiters {
			if cand == w {
				return i
			}
		}
	}
	return -1
}

func (q *Queue) releaser(sessionID, runID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { q.release(sessionID, runID) })
	}
}

// release hands the session to the oldest waiter, or idles it.
func (q *Queue) release(sessionID, runID string) {
	observability.DecActiveRuns()

	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.sessions[sessionID]
	if !ok || st.active != runID {
		q.logger.Error().Str("session_id", sessionID).Str("run_id", runID).Msg("release by a run that is not active")
		return
	}

	if len(st.waiters) == 0 {
		delete(q.sessions, sessionID)
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	st.active = next.runID
	st.startedAt = time.Now()
	close(next.ready)
	observability.SetAdmissionWaiting(sessionID, len(st.waiters))
}

// Do admits runID, runs fn and releases on every exit path, panics included.
func (q *Queue) Do(ctx context.Context, sessionID, runID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	release, err := q.Admit(ctx, sessionID, runID, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Active returns the run currently admitted for sessionID.
func (q *Queue) Active(sessionID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.sessions[sessionID]; ok && st.active != "" {
		return st.active, true
	}
	return "", false
}

// Waiting returns how many runs are queued behind the active one.
func (q *Queue) Waiting(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.sessions[sessionID]; ok {
		return len(st.waiters)
	}
	return 0
}

// Stats returns a snapshot of every busy session.
func (q *Queue) Stats() map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Stats, len(q.sessions))
	for id, st := range q.sessions {
		out[id] = Stats{ActiveRun: st.active, Waiting: len(st.waiters), Since: st.startedAt}
	}
	return out
}

// Close rejects further admissions. Runs already admitted or waiting are
// left to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
