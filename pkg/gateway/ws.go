package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/stream"
)

type sessionParams struct {
	SessionID string `json:"session_id"`
}

type userParams struct {
	UserID string `json:"user_id"`
}

func (s *Server) registerMethods() {
	_ = s.router.RegisterMethod("run", s.rpcRun)
	_ = s.router.RegisterMethod("abort", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p sessionParams
		if err := decodeSessionParams(raw, &p); err != nil {
			return nil, err
		}
		return map[string]any{"session_id": p.SessionID, "aborted": s.cfg.Runner.Abort(p.SessionID)}, nil
	})
	_ = s.router.RegisterMethod("sessions.history", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p sessionParams
		if err := decodeSessionParams(raw, &p); err != nil {
			return nil, err
		}
		return s.cfg.Store.GetHistory(ctx, p.SessionID)
	})
	_ = s.router.RegisterMethod("sessions.runs", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p sessionParams
		if err := decodeSessionParams(raw, &p); err != nil {
			return nil, err
		}
		return s.cfg.Store.GetRuns(ctx, p.SessionID)
	})
	_ = s.router.RegisterMethod("sessions.delete", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p sessionParams
		if err := decodeSessionParams(raw, &p); err != nil {
			return nil, err
		}
		if s.cfg.Runner.IsRunning(p.SessionID) {
			return nil, errors.New("session has a run in progress")
		}
		if err := s.cfg.Store.DeleteSession(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"session_id": p.SessionID, "deleted": true}, nil
	})
	_ = s.router.RegisterMethod("sessions.list", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p userParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, &RPCError{Code: InvalidParams, Message: "user_id is required"}
		}
		return s.cfg.Store.GetUserSessions(ctx, p.UserID)
	})
	_ = s.router.RegisterMethod("agents.list", func(context.Context, json.RawMessage) (any, error) {
		return s.agents(), nil
	})
}

func decodeSessionParams(raw json.RawMessage, p *sessionParams) error {
	if err := decodeParams(raw, p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return &RPCError{Code: InvalidParams, Message: "session_id is required"}
	}
	return nil
}

// rpcRun streams the run's frames to the calling client as text messages
// and returns the RunResponse as the RPC result.
func (s *Server) rpcRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var req RunRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "session_id is required"}
	}

	p := req.params()
	if c := clientFromContext(ctx); c != nil {
		p.Hooks = hooks.All(stream.NewWriter(c).Listener())
	}
	return s.cfg.Runner.Run(ctx, p), nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	now := time.Now()
	client := &Client{
		ID:           gonanoid.Must(16),
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    remoteHost(r),
		RateLimiter:  NewClientRateLimiter(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent),
	}
	s.clients.Add(client)
	s.logger.Info().Str("client_id", client.ID).Str("ip", client.IPAddress).Msg("Client connected")

	ctx, cancel := context.WithCancel(withClient(s.requestContext(r), client))
	defer func() {
		cancel()
		_ = conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			}
			return
		}
		s.clients.Touch(client.ID)
		s.handleMessage(ctx, client, message)
	}
}

func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return
	}

	if ok, code := client.RateLimiter.Acquire(); !ok {
		msg := "rate limit exceeded"
		if code == TooManyConcurrent {
			msg = "too many concurrent requests"
		}
		s.sendError(client, req.ID, code, msg)
		return
	}
	if !s.begin() {
		client.RateLimiter.Release()
		s.sendError(client, req.ID, InternalError, "server is shutting down")
		return
	}

	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlight.Done()

		logger := tracing.LoggerFromContext(ctx, s.logger)
		resp := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(resp); err != nil {
			logger.Error().Err(err).Str("client_id", client.ID).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
}

func (s *Server) sendError(client *Client, id string, code int, msg string) {
	resp := RPCResponse{ID: id, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: msg}}
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}
