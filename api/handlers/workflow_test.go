package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/teamflow/api"
	"github.com/BaSui01/teamflow/config"
	"github.com/BaSui01/teamflow/internal/history"
	"github.com/BaSui01/teamflow/internal/sink"
	"github.com/BaSui01/teamflow/testutil"
	"github.com/BaSui01/teamflow/testutil/fixtures"
	"github.com/BaSui01/teamflow/testutil/mocks"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type sseFrame struct {
	Event string
	Data  string
}

// parseSSE 解析 `event:`/`data:` 帧，忽略注释行
func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if f.Event != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

func frameNames(frames []sseFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func newHandler(t *testing.T, graph workflow.Graph, opts ...WorkflowOption) *WorkflowHandler {
	t.Helper()
	runner := workflow.NewRunner(graph, workflow.WithIDGenerator(func() string { return "wf-test" }))
	return NewWorkflowHandler(runner, zaptest.NewLogger(t), opts...)
}

func chatBody(t *testing.T, req api.ChatStreamRequest) *strings.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return strings.NewReader(string(data))
}

func postStream(h *WorkflowHandler, body *strings.Reader) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/chat/stream", body)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux := http.NewServeMux()
	h.Register(mux)
	mux.ServeHTTP(w, r)
	return w
}

var helloEvents = []string{
	string(workflow.EventStartOfWorkflow),
	string(workflow.EventStartOfLLM),
	string(workflow.EventMessage),
	string(workflow.EventEndOfLLM),
	string(workflow.EventEndOfWorkflow),
}

// =============================================================================
// 📡 SSE
// =============================================================================

func TestHandleChatStream_Hello(t *testing.T) {
	h := newHandler(t, mocks.NewScriptedGraph(fixtures.HelloScenario()...))

	w := postStream(h, chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.True(t, w.Flushed)

	frames := parseSSE(t, w.Body.String())
	assert.Equal(t, helloEvents, frameNames(frames))

	assert.JSONEq(t, `{"agent_name":"supervisor","content":"Hello"}`, frames[2].Data)
	assert.JSONEq(t, `{"workflow_id":"wf-test"}`, frames[4].Data)

	var start map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &start))
	assert.Equal(t, "wf-test", start["workflow_id"])
	assert.Len(t, start["input"], 1)
}

func TestHandleChatStream_UpstreamFailure(t *testing.T) {
	graph := mocks.NewScriptedGraph(fixtures.HelloScenario()...).
		WithStreamError(errors.New("graph executor reset connection"))
	h := newHandler(t, graph)

	w := postStream(h, chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))

	assert.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 5)
	assert.Equal(t, api.EventError, frames[4].Event, "no end_of_workflow after a failure")

	var payload api.StreamError
	require.NoError(t, json.Unmarshal([]byte(frames[4].Data), &payload))
	assert.Equal(t, string(types.ErrUpstreamFailure), payload.Code)
	assert.NotEmpty(t, payload.Message)
}

func TestHandleChatStream_OpenFailureIsInStream(t *testing.T) {
	h := newHandler(t, mocks.NewScriptedGraph().WithOpenError(errors.New("dial tcp: refused")))

	w := postStream(h, chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{string(workflow.EventStartOfWorkflow), api.EventError}, frameNames(parseSSE(t, w.Body.String())))
}

func TestHandleChatStream_BadRequests(t *testing.T) {
	h := newHandler(t, mocks.NewScriptedGraph(fixtures.HelloScenario()...))

	tests := []struct {
		name        string
		contentType string
		body        string
		wantCode    types.ErrorCode
	}{
		{"empty messages", "application/json", `{"messages":[]}`, types.ErrInvalidInput},
		{"missing messages", "application/json", `{"debug":true}`, types.ErrInvalidInput},
		{"unknown field", "application/json", `{"messages":[{"role":"user","content":"hi"}],"model":"x"}`, types.ErrInvalidRequest},
		{"malformed json", "application/json", `{"messages":`, types.ErrInvalidRequest},
		{"wrong content type", "text/plain", `{"messages":[{"role":"user","content":"hi"}]}`, types.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			h.HandleChatStream(w, r)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestHandleChatStream_ClientDisconnectCancelsRun(t *testing.T) {
	graph := mocks.NewBlockingGraph(fixtures.ChatModelStart("supervisor", 1))
	h := newHandler(t, graph, WithHeartbeat(0))
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat/stream",
		chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: start_of_workflow\n", line)

	cancel()

	select {
	case <-graph.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("graph subscription was not torn down after client disconnect")
	}
}

func TestHandleChatStream_Heartbeat(t *testing.T) {
	graph := mocks.NewBlockingGraph()
	h := newHandler(t, graph, WithHeartbeat(20*time.Millisecond))
	srv := httptest.NewServer(http.HandlerFunc(h.HandleChatStream))
	defer srv.Close()

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL,
		chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	found := false
	for i := 0; i < 20 && !found; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		found = line == ": keepalive\n"
	}
	assert.True(t, found)
}

// debugRunner 记录收到的 debug 参数
type debugRunner struct {
	mu    sync.Mutex
	debug []bool
}

func (r *debugRunner) Run(_ context.Context, _ []types.Message, debug bool) (<-chan workflow.EventResult, error) {
	r.mu.Lock()
	r.debug = append(r.debug, debug)
	r.mu.Unlock()
	ch := make(chan workflow.EventResult)
	close(ch)
	return ch, nil
}

func (r *debugRunner) last() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debug[len(r.debug)-1]
}

func TestHandleChatStream_DebugPolicy(t *testing.T) {
	body := func() *strings.Reader {
		return chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi"), Debug: true})
	}
	post := func(ctx context.Context, h *WorkflowHandler) {
		r := httptest.NewRequest(http.MethodPost, "/api/chat/stream", body()).WithContext(ctx)
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.HandleChatStream(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}

	t.Run("allowed by default", func(t *testing.T) {
		runner := &debugRunner{}
		post(context.Background(), NewWorkflowHandler(runner, zap.NewNop()))
		assert.True(t, runner.last())
	})

	t.Run("gated without role", func(t *testing.T) {
		runner := &debugRunner{}
		h := NewWorkflowHandler(runner, zap.NewNop(), WithDebugPolicy(false, []string{"admin"}))
		post(types.WithRoles(context.Background(), []string{"viewer"}), h)
		assert.False(t, runner.last())
		post(context.Background(), h)
		assert.False(t, runner.last())
	})

	t.Run("gated with role", func(t *testing.T) {
		runner := &debugRunner{}
		h := NewWorkflowHandler(runner, zap.NewNop(), WithDebugPolicy(false, []string{"admin"}))
		post(types.WithRoles(context.Background(), []string{"viewer", "admin"}), h)
		assert.True(t, runner.last())
	})
}

func TestWriteSSE(t *testing.T) {
	var b strings.Builder
	require.NoError(t, writeSSE(&b, "message", workflow.MessageData{AgentName: "coder", Content: "x"}))
	assert.Equal(t, "event: message\ndata: {\"agent_name\":\"coder\",\"content\":\"x\"}\n\n", b.String())

	b.Reset()
	require.Error(t, writeSSE(&b, "message", make(chan int)))
	assert.Empty(t, b.String())
}

// =============================================================================
// 🔌 WebSocket
// =============================================================================

func dialWS(t *testing.T, h *WorkflowHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleChatWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(testutil.TestContext(t), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrames(t *testing.T, conn *websocket.Conn) ([]wsFrame, error) {
	t.Helper()
	ctx := testutil.TestContext(t)
	var frames []wsFrame
	for {
		var f wsFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestHandleChatWebSocket_Hello(t *testing.T) {
	conn := dialWS(t, newHandler(t, mocks.NewScriptedGraph(fixtures.HelloScenario()...)))

	require.NoError(t, wsjson.Write(testutil.TestContext(t), conn, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))

	frames, err := readFrames(t, conn)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	assert.Equal(t, helloEvents, names)
	assert.JSONEq(t, `{"agent_name":"supervisor","content":"Hello"}`, string(frames[2].Data))
}

func TestHandleChatWebSocket_UpstreamFailure(t *testing.T) {
	graph := mocks.NewScriptedGraph().WithStreamError(errors.New("boom"))
	conn := dialWS(t, newHandler(t, graph))

	require.NoError(t, wsjson.Write(testutil.TestContext(t), conn, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))

	frames, _ := readFrames(t, conn)
	require.Len(t, frames, 2)
	assert.Equal(t, string(workflow.EventStartOfWorkflow), frames[0].Event)
	assert.Equal(t, api.EventError, frames[1].Event)

	var payload api.StreamError
	require.NoError(t, json.Unmarshal(frames[1].Data, &payload))
	assert.Equal(t, string(types.ErrUpstreamFailure), payload.Code)
}

func TestHandleChatWebSocket_InvalidInput(t *testing.T) {
	conn := dialWS(t, newHandler(t, mocks.NewScriptedGraph()))

	require.NoError(t, wsjson.Write(testutil.TestContext(t), conn, api.ChatStreamRequest{}))

	frames, err := readFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, api.EventError, frames[0].Event)
	assert.Contains(t, string(frames[0].Data), string(types.ErrInvalidInput))
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandleChatWebSocket_NonJSONRequest(t *testing.T) {
	conn := dialWS(t, newHandler(t, mocks.NewScriptedGraph()))

	require.NoError(t, conn.Write(testutil.TestContext(t), websocket.MessageText, []byte("hello?")))

	_, err := readFrames(t, conn)
	assert.Equal(t, websocket.StatusInvalidFramePayloadData, websocket.CloseStatus(err))
}

func TestHandleChatWebSocket_ClientCloseCancelsRun(t *testing.T) {
	graph := mocks.NewBlockingGraph(fixtures.ChatModelStart("supervisor", 1))
	conn := dialWS(t, newHandler(t, graph))
	ctx := testutil.TestContext(t)

	require.NoError(t, wsjson.Write(ctx, conn, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))

	var first wsFrame
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, string(workflow.EventStartOfWorkflow), first.Event)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-graph.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("graph subscription was not torn down after the client closed")
	}
}

// =============================================================================
// 📜 运行历史
// =============================================================================

type fakeStore struct {
	mu   sync.Mutex
	runs map[string]history.WorkflowRun
	opts []history.ListOptions
	err  error
}

func (s *fakeStore) Get(_ context.Context, id string) (*history.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "workflow run not found")
	}
	return &run, nil
}

func (s *fakeStore) List(_ context.Context, opts history.ListOptions) ([]history.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	var out []history.WorkflowRun
	for _, run := range s.runs {
		if opts.Status == "" || run.Status == opts.Status {
			out = append(out, run)
		}
	}
	return out, nil
}

func serve(h *WorkflowHandler, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	raw := struct {
		Response
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.Response
}

func TestHistoryRoutes_DisabledWithoutBackends(t *testing.T) {
	h := newHandler(t, mocks.NewScriptedGraph())

	for _, target := range []string{"/api/workflows", "/api/workflows/wf-1", "/api/workflows/wf-1/events", "/api/workflows/recent"} {
		t.Run(target, func(t *testing.T) {
			w := serve(h, http.MethodGet, target)
			assert.Equal(t, http.StatusNotFound, w.Code)
			resp := decodeResponse(t, w, nil)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
		})
	}
}

func TestHandleListWorkflows(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{runs: map[string]history.WorkflowRun{
		"wf-1": {ID: "wf-1", Input: `[{"role":"user","content":"hi"}]`, Status: workflow.StatusCompleted, EventCount: 5, StartedAt: started},
		"wf-2": {ID: "wf-2", Status: workflow.StatusFailed, Error: "boom", StartedAt: started},
	}}
	h := newHandler(t, mocks.NewScriptedGraph(), WithRunStore(store))

	t.Run("all", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/api/workflows?limit=10")
		assert.Equal(t, http.StatusOK, w.Code)

		var list struct {
			Runs []map[string]any `json:"runs"`
			Count int             `json:"count"`
		}
		resp := decodeResponse(t, w, &list)
		assert.True(t, resp.Success)
		assert.Equal(t, 2, list.Count)
		assert.Equal(t, 10, store.opts[len(store.opts)-1].Limit)
	})

	t.Run("status filter", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/api/workflows?status=failed")
		assert.Equal(t, http.StatusOK, w.Code)

		var list WorkflowRunList
		decodeResponse(t, w, &list)
		require.Len(t, list.Runs, 1)
		assert.Equal(t, "wf-2", list.Runs[0].ID)
		assert.Equal(t, workflow.StatusFailed, store.opts[len(store.opts)-1].Status)
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/api/workflows?status=cancelled")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"runs":[]`)
	})

	for _, target := range []string{"/api/workflows?limit=abc", "/api/workflows?limit=-1", "/api/workflows?status=paused"} {
		t.Run("bad query "+target, func(t *testing.T) {
			w := serve(h, http.MethodGet, target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleListWorkflows_StoreError(t *testing.T) {
	h := newHandler(t, mocks.NewScriptedGraph(), WithRunStore(&fakeStore{err: errors.New("db down")}))

	w := serve(h, http.MethodGet, "/api/workflows")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleGetWorkflow(t *testing.T) {
	store := &fakeStore{runs: map[string]history.WorkflowRun{
		"wf-1": {ID: "wf-1", Input: `[{"role":"user","content":"hi"}]`, Status: workflow.StatusCompleted, EventCount: 5},
	}}
	h := newHandler(t, mocks.NewScriptedGraph(), WithRunStore(store))

	w := serve(h, http.MethodGet, "/api/workflows/wf-1")
	assert.Equal(t, http.StatusOK, w.Code)

	var run map[string]any
	decodeResponse(t, w, &run)
	assert.Equal(t, "wf-1", run["id"])
	assert.Equal(t, "completed", run["status"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "hi"}}, run["input"])

	w = serve(h, http.MethodGet, "/api/workflows/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// 真实 Redis 归档（miniredis）：运行结束后可通过接口重放
func TestHandleWorkflowEvents_ReplaysArchivedRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	archive := sink.NewWithClient(client, config.DefaultRedisConfig(), sink.WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = archive.Close() })

	runner := workflow.NewRunner(mocks.NewScriptedGraph(fixtures.HelloScenario()...),
		workflow.WithIDGenerator(func() string { return "wf-archived" }),
		workflow.WithObserver(archive))
	h := NewWorkflowHandler(runner, zaptest.NewLogger(t), WithEventArchive(archive))

	live := postStream(h, chatBody(t, api.ChatStreamRequest{Messages: fixtures.UserInput("hi")}))
	require.Equal(t, http.StatusOK, live.Code)

	w := serve(h, http.MethodGet, "/api/workflows/wf-archived/events")
	require.Equal(t, http.StatusOK, w.Code)

	var events struct {
		WorkflowID string    `json:"workflow_id"`
		Events     []wsFrame `json:"events"`
	}
	decodeResponse(t, w, &events)
	assert.Equal(t, "wf-archived", events.WorkflowID)
	require.Len(t, events.Events, len(helloEvents))
	for i, f := range events.Events {
		assert.Equal(t, helloEvents[i], f.Event)
	}
	assert.JSONEq(t, `{"agent_name":"supervisor","content":"Hello"}`, string(events.Events[2].Data))

	w = serve(h, http.MethodGet, "/api/workflows/recent?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wf-archived")

	w = serve(h, http.MethodGet, "/api/workflows/unknown/events")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(h, http.MethodGet, "/api/workflows/recent?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
