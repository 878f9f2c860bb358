package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/previewbox/internal/config"
	"github.com/obot-platform/previewbox/internal/events"
	"github.com/obot-platform/previewbox/internal/metrics"
	"github.com/obot-platform/previewbox/internal/orchestrator"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/sandbox/mock"
	"github.com/obot-platform/previewbox/internal/store"
)

type testEnv struct {
	provider *mock.Provider
	orch     *orchestrator.Orchestrator
	store    *store.Store
	server   *httptest.Server
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open("sqlite3://"+filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	s := store.New(db.DB)

	pollerCfg := events.DefaultPollerConfig()
	pollerCfg.PollInterval = 10 * time.Millisecond
	poller := events.NewPoller(s, pollerCfg, nil)
	require.NoError(t, poller.Start(context.Background()))
	t.Cleanup(poller.Stop)
	broker := events.NewBroker(s, poller, nil)

	m := metrics.New()
	p := mock.NewProvider()
	o := orchestrator.New(p,
		orchestrator.WithMetrics(m),
		orchestrator.WithWatchConsumer(store.NewReconciler(s, nil)),
		orchestrator.WithWatchConsumer(broker),
	)
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	h := NewHandler(Deps{
		Orchestrator: o,
		Store:        s,
		Broker:       broker,
		Metrics:      m,
	})
	srv := httptest.NewServer(NewRouter(h, config.Default().Server))
	t.Cleanup(srv.Close)

	return &testEnv{provider: p, orch: o, store: s, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *testEnv) boot(t *testing.T, files map[string]string) {
	t.Helper()
	var body any
	if files != nil {
		body = map[string]any{"files": files}
	}
	status, out := e.do(t, http.MethodPost, "/api/sandbox/boot", body)
	require.Equal(t, http.StatusOK, status, out)
	require.Equal(t, true, out["booted"])
}

func TestHealth(t *testing.T) {
	env := setup(t)
	status, out := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestBoot_MountsFilesAndRecordsThem(t *testing.T) {
	env := setup(t)
	env.boot(t, map[string]string{"index.html": "<h1>hi</h1>", "/src/app.js": "app()"})

	inst := env.provider.Last()
	assert.Equal(t, map[string]string{"/index.html": "<h1>hi</h1>", "/src/app.js": "app()"}, inst.Files())

	tree, err := env.store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sandbox.FileTree{"/index.html": "<h1>hi</h1>", "/src/app.js": "app()"}, tree)

	// Booting again is a no-op.
	env.boot(t, nil)
	assert.Equal(t, 1, env.provider.Creates())
}

func TestBoot_NestedTree(t *testing.T) {
	env := setup(t)
	status, _ := env.do(t, http.MethodPost, "/api/sandbox/boot", map[string]any{
		"files": map[string]any{
			"src": map[string]any{"directory": map[string]any{
				"a.js": map[string]any{"file": map[string]any{"contents": "x=1"}},
			}},
		},
	})
	require.Equal(t, http.StatusOK, status)

	content, ok := env.provider.Last().File("/src/a.js")
	require.True(t, ok)
	assert.Equal(t, "x=1", content)
}

func TestBoot_FallsBackToStoredFiles(t *testing.T) {
	env := setup(t)

	// Dropped by the sandbox but recorded.
	status, out := env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "/src/a.js", "content": "x=1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "dropped", out["outcome"])

	env.boot(t, nil)
	content, ok := env.provider.Last().File("/src/a.js")
	require.True(t, ok)
	assert.Equal(t, "x=1", content)
}

func TestBoot_InvalidBody(t *testing.T) {
	env := setup(t)

	status, _ := env.do(t, http.MethodPost, "/api/sandbox/boot", map[string]any{"files": []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/sandbox/boot", map[string]any{"files": map[string]string{"/": "root"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Zero(t, env.provider.Creates())
}

func TestBoot_CreateFailure(t *testing.T) {
	env := setup(t)
	env.provider.CreateFunc = func(context.Context, sandbox.CreateOptions) error {
		return errors.New("no capacity")
	}

	status, out := env.do(t, http.MethodPost, "/api/sandbox/boot", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, out["error"], "no capacity")

	status, out = env.do(t, http.MethodGet, "/api/sandbox", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["booted"])
}

func TestBoot_SpawnFailureIsWarning(t *testing.T) {
	env := setup(t)
	env.provider.SpawnFunc = func(context.Context, sandbox.SpawnOptions) (sandbox.Process, error) {
		return nil, errors.New("no pty")
	}

	status, out := env.do(t, http.MethodPost, "/api/sandbox/boot", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["shell"])
	require.Len(t, out["warnings"], 1)

	status, _ = env.do(t, http.MethodPost, "/api/terminal/commands", map[string]string{"command": "ls"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestFiles_PushAndReadBack(t *testing.T) {
	env := setup(t)
	env.boot(t, nil)

	status, out := env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "/src/a.js", "content": "x=1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", out["outcome"])

	status, out = env.do(t, http.MethodGet, "/api/files?path=/src/a.js", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/src/a.js", out["path"])
	assert.Equal(t, "x=1", out["content"])

	status, out = env.do(t, http.MethodGet, "/api/files", nil)
	require.Equal(t, http.StatusOK, status)
	files := out["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "/src/a.js", files[0].(map[string]any)["path"])
}

func TestFiles_Errors(t *testing.T) {
	env := setup(t)

	status, _ := env.do(t, http.MethodGet, "/api/files?path=/a.js", nil)
	assert.Equal(t, http.StatusConflict, status)

	env.boot(t, nil)

	status, _ = env.do(t, http.MethodGet, "/api/files?path=/missing.js", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, out := env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "/a.js", "content": ""})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", out["outcome"])

	status, _ = env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "/", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFiles_Mount(t *testing.T) {
	env := setup(t)

	status, out := env.do(t, http.MethodPost, "/api/files/mount", map[string]any{"files": map[string]string{"/a.js": "1"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["mounted"])

	env.boot(t, nil)
	status, out = env.do(t, http.MethodPost, "/api/files/mount", map[string]any{"files": map[string]string{"/b.js": "2"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["mounted"])

	content, ok := env.provider.Last().File("/b.js")
	require.True(t, ok)
	assert.Equal(t, "2", content)

	status, _ = env.do(t, http.MethodPost, "/api/files/mount", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTerminal_SubmitAndSnapshot(t *testing.T) {
	env := setup(t)

	status, _ := env.do(t, http.MethodPost, "/api/terminal/commands", map[string]string{"command": "ls"})
	assert.Equal(t, http.StatusConflict, status)

	env.boot(t, nil)
	status, _ = env.do(t, http.MethodPost, "/api/terminal/commands", map[string]string{"command": "ls -la"})
	require.Equal(t, http.StatusNoContent, status)

	proc := env.provider.Last().Processes()[0]
	assert.Equal(t, "ls -la\n", proc.Input())

	proc.Emit("total 0\n")
	require.Eventually(t, func() bool {
		_, out := env.do(t, http.MethodGet, "/api/terminal", nil)
		chunks, _ := out["chunks"].([]any)
		return len(chunks) == 1 && chunks[0] == "total 0\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPreview(t *testing.T) {
	env := setup(t)

	status, out := env.do(t, http.MethodGet, "/api/preview", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "loading", out["phase"])

	status, out = env.do(t, http.MethodPost, "/api/preview/ready", map[string]string{"url": "http://localhost:3000"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["bound"])

	env.boot(t, nil)
	_, out = env.do(t, http.MethodPost, "/api/preview/ready", map[string]string{"url": "http://localhost:3000"})
	assert.Equal(t, true, out["bound"])
	_, out = env.do(t, http.MethodPost, "/api/preview/ready", map[string]string{"url": "http://localhost:4000"})
	assert.Equal(t, false, out["bound"])

	_, out = env.do(t, http.MethodGet, "/api/preview", nil)
	assert.Equal(t, "ready", out["phase"])
	assert.Equal(t, "http://localhost:3000", out["url"])

	status, _ = env.do(t, http.MethodPost, "/api/preview/ready", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestShutdown(t *testing.T) {
	env := setup(t)
	env.boot(t, nil)
	inst := env.provider.Last()

	status, out := env.do(t, http.MethodDelete, "/api/sandbox", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["booted"])
	assert.True(t, inst.Closed())

	env.boot(t, nil)
	assert.Equal(t, 2, env.provider.Creates())
}

func TestMetricsEndpoint(t *testing.T) {
	env := setup(t)
	env.boot(t, nil)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "previewbox_boots_total 1")
}

func dialTerminal(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/terminal/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) TerminalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg TerminalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func outputOf(t *testing.T, msg TerminalMessage) string {
	t.Helper()
	require.Equal(t, MessageOutput, msg.Type)
	var s string
	require.NoError(t, json.Unmarshal(msg.Data, &s))
	return s
}

func TestTerminalWebSocket(t *testing.T) {
	env := setup(t)
	env.boot(t, nil)
	proc := env.provider.Last().Processes()[0]

	proc.Emit("before\n")
	require.Eventually(t, func() bool { return env.orch.Terminal().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn := dialTerminal(t, env)

	// Replay of the existing buffer.
	assert.Equal(t, "before\n", outputOf(t, readMessage(t, conn)))

	proc.Emit("live\n")
	assert.Equal(t, "live\n", outputOf(t, readMessage(t, conn)))

	proc.Emit("\x1bc")
	assert.Equal(t, MessageClear, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(TerminalMessage{Type: MessageInput, Data: json.RawMessage(`"echo hi\r"`)}))
	require.Eventually(t, func() bool { return proc.Input() == "echo hi\r" }, 2*time.Second, 5*time.Millisecond)

	resize, _ := json.Marshal(ResizeData{Rows: 40, Cols: 120})
	require.NoError(t, conn.WriteJSON(TerminalMessage{Type: MessageResize, Data: resize}))
	require.Eventually(t, func() bool {
		for _, c := range proc.ResizeSnapshot() {
			if c.Rows == 40 && c.Cols == 120 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(TerminalMessage{Type: "bogus"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)
}

func TestTerminal_UserClear(t *testing.T) {
	env := setup(t)
	env.boot(t, nil)
	proc := env.provider.Last().Processes()[0]

	proc.Emit("build output\n")
	require.Eventually(t, func() bool { return env.orch.Terminal().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn := dialTerminal(t, env)
	assert.Equal(t, "build output\n", outputOf(t, readMessage(t, conn)))

	status, _ := env.do(t, http.MethodDelete, "/api/terminal", nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, MessageClear, readMessage(t, conn).Type)

	_, out := env.do(t, http.MethodGet, "/api/terminal", nil)
	assert.Empty(t, out["chunks"])

	// A clear frame from the client empties the buffer for every viewer.
	proc.Emit("more\n")
	assert.Equal(t, "more\n", outputOf(t, readMessage(t, conn)))
	other := dialTerminal(t, env)
	assert.Equal(t, "more\n", outputOf(t, readMessage(t, other)))

	require.NoError(t, conn.WriteJSON(TerminalMessage{Type: MessageClear}))
	assert.Equal(t, MessageClear, readMessage(t, conn).Type)
	assert.Equal(t, MessageClear, readMessage(t, other).Type)
	assert.Equal(t, 0, env.orch.Terminal().Len())
}

func TestTerminalWebSocket_NotBooted(t *testing.T) {
	env := setup(t)
	conn := dialTerminal(t, env)

	require.NoError(t, conn.WriteJSON(TerminalMessage{Type: MessageInput, Data: json.RawMessage(`"ls"`)}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)

	var text string
	require.NoError(t, json.Unmarshal(msg.Data, &text))
	assert.Contains(t, text, orchestrator.ErrNotBooted.Error())
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, body io.Reader) <-chan sseEvent {
	t.Helper()
	ch := make(chan sseEvent, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(body)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				ch <- cur
				cur = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

func openEvents(t *testing.T, env *testEnv, query string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/events"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ch := readSSE(t, resp.Body)
	first := nextEvent(t, ch)
	require.Equal(t, "connected", first.event)
	return ch
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for SSE event")
		return sseEvent{}
	}
}

func waitForEvent(t *testing.T, ch <-chan sseEvent, eventType string) events.Event {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.event != eventType {
			continue
		}
		var out events.Event
		require.NoError(t, json.Unmarshal([]byte(ev.data), &out))
		return out
	}
}

func TestEvents_Stream(t *testing.T) {
	env := setup(t)
	stream := openEvents(t, env, "")

	env.boot(t, nil)
	ev := waitForEvent(t, stream, string(events.EventTypePreviewUpdated))
	var preview events.PreviewUpdatedData
	require.NoError(t, json.Unmarshal(ev.Data, &preview))
	assert.Equal(t, "loading", preview.Phase)

	env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "src/a.js", "content": "x=1"})
	ev = waitForEvent(t, stream, string(events.EventTypeFileChanged))
	var changed events.FileChangedData
	require.NoError(t, json.Unmarshal(ev.Data, &changed))
	assert.Equal(t, events.FileChangedData{Path: "/src/a.js", Kind: "change", Source: events.SourcePush}, changed)

	env.do(t, http.MethodPost, "/api/preview/ready", map[string]string{"url": "http://localhost:3000"})
	ev = waitForEvent(t, stream, string(events.EventTypePreviewUpdated))
	require.NoError(t, json.Unmarshal(ev.Data, &preview))
	assert.Equal(t, events.PreviewUpdatedData{Phase: "ready", URL: "http://localhost:3000"}, preview)
}

func TestEvents_SandboxChangesReachStoreAndStream(t *testing.T) {
	env := setup(t)
	env.boot(t, nil)
	stream := openEvents(t, env, "")

	inst := env.provider.Last()
	inst.SetFile("/dist/out.js", "built")
	inst.EmitFSEvent(sandbox.EventCreate, "/dist/out.js")

	ev := waitForEvent(t, stream, string(events.EventTypeFileChanged))
	var changed events.FileChangedData
	require.NoError(t, json.Unmarshal(ev.Data, &changed))
	assert.Equal(t, events.FileChangedData{Path: "/dist/out.js", Kind: "create", Source: events.SourceSandbox}, changed)

	require.Eventually(t, func() bool {
		f, err := env.store.GetFile(context.Background(), "/dist/out.js")
		return err == nil && f.Content == "built"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_Replay(t *testing.T) {
	env := setup(t)
	env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "/a.js", "content": "1"})
	env.do(t, http.MethodPut, "/api/files", map[string]string{"filename": "/b.js", "content": "2"})

	stream := openEvents(t, env, "?after=0")
	first := waitForEvent(t, stream, string(events.EventTypeFileChanged))
	second := waitForEvent(t, stream, string(events.EventTypeFileChanged))
	assert.Less(t, first.Seq, second.Seq)

	var changed events.FileChangedData
	require.NoError(t, json.Unmarshal(second.Data, &changed))
	assert.Equal(t, "/b.js", changed.Path)

	resp, err := http.Get(env.server.URL + "/api/events?after=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
