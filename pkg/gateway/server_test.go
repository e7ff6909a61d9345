package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/speech"
	"github.com/harun/scoop/pkg/stream"
)

// replyProvider answers every call with the same text, streamed in two deltas.
type replyProvider struct {
	text    string
	started chan struct{}
	block   bool
}

func (p *replyProvider) Provider() string { return "fake" }

func (p *replyProvider) Stream(ctx context.Context, _ agent.LLMRequest, onDelta func(string)) (*agent.LLMResponse, error) {
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if onDelta != nil {
		half := len(p.text) / 2
		onDelta(p.text[:half])
		onDelta(p.text[half:])
	}
	return &agent.LLMResponse{Content: p.text}, nil
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	store session.Store
	audio *speech.FileStore
}

func newTestEnv(t *testing.T, provider agent.LLMProvider, secret string) *testEnv {
	t.Helper()

	store, err := session.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := agent.NewRegistry("", zerolog.Nop())
	reg.Register(&agent.Definition{Name: "echo", Description: "repeats", SystemPrompt: "be brief"})

	runner, err := agent.NewRunner(agent.Config{
		Store:        store,
		Provider:     provider,
		Agents:       reg,
		DefaultModel: "test-model",
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	audio, err := speech.NewFileStore(t.TempDir())
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Secret: secret,
		Runner: runner,
		Store:  store,
		Audio:  audio,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, http: ts, store: store, audio: audio}
}

func (e *testEnv) postRun(t *testing.T, query string, req RunRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+"/v1/runs"+query, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func readEvents(t *testing.T, r io.Reader) []hooks.Event {
	t.Helper()
	rd := stream.NewReader(r)
	var events []hooks.Event
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestServer_RunStreamsFrames(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "hello there"}, "")

	resp := env.postRun(t, "", RunRequest{SessionID: "s1", Agent: "echo", Message: "hi"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StreamContentType, resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, hooks.EventStart, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, hooks.EventFinish, last.Type)

	var tokens []string
	for _, ev := range events {
		if ev.Type == hooks.EventToken {
			tokens = append(tokens, ev.Data.(string))
		}
	}
	assert.Equal(t, "hello there", strings.Join(tokens, ""))

	var final agent.RunResponse
	require.NoError(t, stream.DecodeData(last, &final))
	require.Empty(t, final.Error)
	assert.Equal(t, "hello there", final.Data.Output)
	assert.Equal(t, "echo", final.Data.Agent)
}

func TestServer_RunJSON(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	resp := env.postRun(t, "?format=json", RunRequest{SessionID: "s1", Agent: "echo", Message: "hi"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out agent.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Data)
	assert.Equal(t, "ok", out.Data.Output)
}

func TestServer_RunFailureIsInBand(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	resp := env.postRun(t, "?format=json", RunRequest{SessionID: "s1", Agent: "nobody", Message: "hi"})
	defer resp.Body.Close()

	var out agent.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Nil(t, out.Data)
	assert.Contains(t, out.Error, "agent not found")
}

func TestServer_RunRequiresSession(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	resp := env.postRun(t, "", RunRequest{Agent: "echo", Message: "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SessionEndpoints(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	resp := env.postRun(t, "?format=json", RunRequest{SessionID: "s1", UserID: "u1", Agent: "echo", Message: "hi"})
	resp.Body.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(env.http.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp = get("/v1/sessions/s1/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []session.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "ok", history[1].Content)

	resp = get("/v1/sessions/s1/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []session.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "echo", runs[0].Agent)

	resp = get("/v1/users/u1/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	assert.Equal(t, http.StatusNotFound, get("/v1/sessions/missing/history").StatusCode)

	req, err := http.NewRequest(http.MethodDelete, env.http.URL+"/v1/sessions/s1", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	assert.Equal(t, http.StatusNotFound, get("/v1/sessions/s1/history").StatusCode)
}

func TestServer_Abort(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEnv(t, &replyProvider{block: true, started: started}, "")

	done := make(chan agent.RunResponse, 1)
	go func() {
		var out agent.RunResponse
		body := `{"session_id":"s1","agent":"echo","message":"hi"}`
		resp, err := http.Post(env.http.URL+"/v1/runs?format=json", "application/json", strings.NewReader(body))
		if err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
		}
		done <- out
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the model")
	}

	resp, err := http.Post(env.http.URL+"/v1/sessions/s1/abort", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["aborted"])

	select {
	case out := <-done:
		assert.Contains(t, out.Error, "context canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("aborted run did not return")
	}
}

func TestServer_Agents(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	resp, err := http.Get(env.http.URL + "/v1/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var agents []agentInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "echo", agents[0].Name)
}

func TestServer_Audio(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	handle, err := env.audio.Save(strings.NewReader("ID3fake"), "mp3")
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/v1/audio/" + handle)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ID3fake", string(data))

	bad, err := http.Get(env.http.URL + "/v1/audio/passwd")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "s3cret")

	resp, err := http.Get(env.http.URL + "/v1/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/v1/agents?token=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebSocketRun(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "over the wire"}, "")

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "1",
		Method: "run",
		Params: json.RawMessage(`{"session_id":"ws1","agent":"echo","message":"hi"}`),
	}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var dec stream.Decoder
	var events []hooks.Event
	var final RPCResponse
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if bytes.HasPrefix(msg, []byte(stream.OpenTag)) {
			evs, err := dec.Feed(msg)
			require.NoError(t, err)
			events = append(events, evs...)
			continue
		}
		require.NoError(t, json.Unmarshal(msg, &final))
		break
	}

	assert.Equal(t, "1", final.ID)
	assert.Nil(t, final.Error)
	require.NotEmpty(t, events)
	assert.Equal(t, hooks.EventStart, events[0].Type)
	assert.Equal(t, hooks.EventFinish, events[len(events)-1].Type)

	result, err := json.Marshal(final.Result)
	require.NoError(t, err)
	var out agent.RunResponse
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "over the wire", out.Data.Output)
	assert.Len(t, env.srv.Clients(), 1)
}

func TestServer_WebSocketErrors(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "2", Method: "sessions.history", Params: json.RawMessage(`{}`)}))
	resp = RPCResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "3", Method: "nope"}))
	resp = RPCResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestServer_StopRefusesNewRuns(t *testing.T) {
	env := newTestEnv(t, &replyProvider{text: "ok"}, "")
	require.NoError(t, env.srv.Stop(t.Context()))

	resp := env.postRun(t, "", RunRequest{SessionID: "s1", Agent: "echo", Message: "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
