package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RequestHandler serves one RPC method.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// RPCRouter maps method names to handlers and replays responses for
// repeated idempotency keys.
type RPCRouter struct {
	mu               sync.RWMutex
	methods          map[string]RequestHandler
	idempotencyTTL   time.Duration
	idempotencyCache map[string]cachedRPCResponse
}

type cachedRPCResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:          make(map[string]RequestHandler),
		idempotencyTTL:   5 * time.Minute,
		idempotencyCache: make(map[string]cachedRPCResponse),
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Methods returns the registered method names in sorted order.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req. A handler error that is an
// *RPCError keeps its code; any other error maps to InternalError.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	cacheKey := idempotencyCacheKey(req.Method, req.IdempotencyKey)
	if cacheKey != "" {
		if cached, ok := r.getCachedResponse(cacheKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	result, err := handler(ctx, req.Params)
	resp := &RPCResponse{ID: req.ID, JSONRPC: "2.0"}
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = &RPCError{Code: InternalError, Message: err.Error()}
		}
	} else {
		resp.Result = result
	}

	if cacheKey != "" {
		r.cacheResponse(cacheKey, *resp)
	}
	return resp
}

func idempotencyCacheKey(method, key string) string {
	if key == "" {
		return ""
	}
	return method + ":" + key
}

func (r *RPCRouter) getCachedResponse(key string) (RPCResponse, bool) {
	r.mu.RLock()
	entry, ok := r.idempotencyCache[key]
	r.mu.RUnlock()
	if !ok {
		return RPCResponse{}, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		r.mu.Lock()
		if current, ok := r.idempotencyCache[key]; ok && now.After(current.expiresAt) {
			delete(r.idempotencyCache, key)
		}
		r.mu.Unlock()
		return RPCResponse{}, false
	}
	return cloneRPCResponse(entry.response), true
}

func (r *RPCRouter) cacheResponse(key string, resp RPCResponse) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.idempotencyCache[key] = cachedRPCResponse{response: cloneRPCResponse(resp), expiresAt: now.Add(r.idempotencyTTL)}
	for k, entry := range r.idempotencyCache {
		if now.After(entry.expiresAt) {
			delete(r.idempotencyCache, k)
		}
	}
}

func cloneRPCResponse(src RPCResponse) RPCResponse {
	out := src
	if src.Error != nil {
		e := *src.Error
		out.Error = &e
	}
	return out
}

// decodeParams unmarshals raw into v, reporting failures as InvalidParams.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &RPCError{Code: InvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}
