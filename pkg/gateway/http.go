package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/speech"
	"github.com/harun/scoop/pkg/stream"
)

// StreamContentType is the media type of a framed run stream.
const StreamContentType = "application/x-scoopstream"

const maxBodyBytes = 4 << 20

var errResponseClosed = errors.New("response closed")

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.begin() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer s.inFlight.Done()

	lim := s.limiters.get(remoteHost(r))
	if ok, code := lim.Acquire(); !ok {
		msg := "rate limit exceeded"
		if code == TooManyConcurrent {
			msg = "too many concurrent requests"
		}
		writeError(w, http.StatusTooManyRequests, msg)
		return
	}
	defer lim.Release()

	var req RunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	ctx := s.requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", req.SessionID).Str("agent", req.Agent).Msg("Run requested")

	if r.URL.Query().Get("format") == "json" {
		resp := s.cfg.Runner.Run(ctx, req.params())
		writeJSON(w, http.StatusOK, resp)
		return
	}

	w.Header().Set("Content-Type", StreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	out := &responseGuard{w: w}
	defer out.close()
	sw := stream.NewWriter(out)

	p := req.params()
	p.Hooks = hooks.All(sw.Listener())
	resp := s.cfg.Runner.Run(ctx, p)
	if resp.Error != "" {
		logger.Warn().Str("error", resp.Error).Msg("Run failed")
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aborted := s.cfg.Runner.Abort(id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "aborted": aborted})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Store.GetHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.cfg.Store.GetRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.Runner.IsRunning(id) {
		writeError(w, http.StatusConflict, "session has a run in progress")
		return
	}
	if err := s.cfg.Store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Store.GetUserSessions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// agentInfo is the listing shape of one agent.
type agentInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Model       string   `json:"model,omitempty"`
	Stages      []string `json:"stages,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

func (s *Server) agents() []agentInfo {
	defs := s.cfg.Runner.Agents().List()
	out := make([]agentInfo, 0, len(defs))
	for _, d := range defs {
		info := agentInfo{Name: d.Name, Description: d.Description, Model: d.Model, Tools: d.ToolNames()}
		for _, st := range d.Stages {
			info.Stages = append(info.Stages, st.Name)
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agents())
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audio == nil {
		writeError(w, http.StatusNotFound, "audio is not enabled")
		return
	}
	handle := r.PathValue("handle")
	path, err := s.cfg.Audio.Path(handle)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	f, err := s.cfg.Audio.Open(handle)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", audioContentType(filepath.Ext(path)))
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug().Err(err).Str("handle", handle).Msg("Audio copy interrupted")
	}
}

// requestContext carries the caller's trace id, or a fresh one.
func (s *Server) requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(r.Context(), traceID)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, speech.ErrAudioNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, speech.ErrInvalidHandle):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrAgentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func audioContentType(ext string) string {
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".opus":
		return "audio/ogg"
	case ".aac":
		return "audio/aac"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseGuard drops writes once the handler has returned; a speech
// task abandoned by an aborted run may still try to emit.
type responseGuard struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	closed bool
}

func (g *responseGuard) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, errResponseClosed
	}
	return g.w.Write(p)
}

func (g *responseGuard) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if f, ok := g.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *responseGuard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
