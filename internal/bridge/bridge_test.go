package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jward/understory"
	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/program"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// wireResponse is a Response as a client decodes it.
type wireResponse struct {
	ID     string              `json:"id"`
	Type   string              `json:"type"`
	Result json.RawMessage     `json:"result"`
	Error  *uerrors.Serialized `json:"error"`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestEngine(t *testing.T) *understory.Engine {
	t.Helper()
	e, err := understory.New(understory.WithLogger(logging.Discard()), understory.WithParallelism(2))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(newTestEngine(t), WithDispatcherLogger(logging.Discard()))
}

// newTestServer serves a fresh engine through httptest.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(newTestEngine(t), WithLogger(logging.Discard()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown(context.Background()))
		ts.Close()
	})
	return s, ts
}

func request(t *testing.T, kind string, data any) Request {
	t.Helper()
	req := Request{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		req.Data = raw
	}
	return req
}

func str(s string) *string { return &s }

func initRules(keys ...string) map[string]any {
	rules := make([]map[string]any, len(keys))
	for i, k := range keys {
		rules[i] = map[string]any{"key": k}
	}
	return map[string]any{"rules": rules}
}

func TestDispatch_UnknownKindSuggests(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{ID: "7", Type: "analyse-file"})
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, "7", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, uerrors.CodeUnknownRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, `"analyse-file"`)
	assert.Contains(t, resp.Error.Message, `did you mean "analyze-file"?`)
}

func TestDispatch_RequiresInitialize(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, KindAnalyzeFile, understory.FileInput{Path: "/v/a.js", Content: str("x;")}))
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, uerrors.CodeLinterInitialization, resp.Error.Code)

	resp = d.Dispatch(context.Background(), request(t, KindInitialize, initRules("no-debuger")))
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, uerrors.CodeConfigSemantic, resp.Error.Code)
}

func TestDispatch_InitializeAndAnalyzeFile(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, KindInitialize, initRules("no-debugger")))
	require.Equal(t, Success, resp.Type)
	assert.Equal(t, ok, resp.Result)

	resp = d.Dispatch(context.Background(), request(t, KindAnalyzeFile, understory.FileInput{
		Path:    "/virtual/a.js",
		Content: str("function f() {\n  debugger;\n}\n"),
	}))
	require.Equal(t, Success, resp.Type, "%+v", resp.Error)
	res, isResult := resp.Result.(*understory.FileResult)
	require.True(t, isResult)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "no-debugger", res.Issues[0].RuleID)
	assert.Equal(t, 2, res.Issues[0].Line)
}

func TestDispatch_MalformedData(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Type: KindInitialize, Data: json.RawMessage(`{"rules": 3}`)})
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, uerrors.CodeGeneralError, resp.Error.Code)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})
	resp := d.Dispatch(context.Background(), Request{Type: "boom"})
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, uerrors.CodeGeneralError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")

	// The dispatcher keeps serving.
	resp = d.Dispatch(context.Background(), Request{Type: KindCancelAnalysis})
	assert.Equal(t, Success, resp.Type)
}

func TestDispatch_ProgramLifecycle(t *testing.T) {
	root := t.TempDir()
	cfg := filepath.Join(root, "tsconfig.json")
	writeFile(t, cfg, `{"include": ["src"]}`)
	writeFile(t, filepath.Join(root, "src", "a.ts"), "export const a = 1;\n")
	d := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, request(t, KindCreateProgram, map[string]string{"tsConfig": cfg}))
	require.Equal(t, Success, resp.Type, "%+v", resp.Error)
	h, isHandle := resp.Result.(program.Handle)
	require.True(t, isHandle)
	assert.NotEmpty(t, h.ID)
	require.Len(t, h.RootFiles, 1)
	assert.True(t, strings.HasSuffix(h.RootFiles[0], "/src/a.ts"))
	assert.Equal(t, []string{h.ID}, d.Status().Programs)

	resp = d.Dispatch(ctx, request(t, KindDeleteProgram, map[string]string{"programId": h.ID}))
	assert.Equal(t, Success, resp.Type)
	assert.Empty(t, d.Status().Programs)

	resp = d.Dispatch(ctx, request(t, KindDeleteProgram, map[string]string{"programId": h.ID}))
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, uerrors.CodeProgramNotFound, resp.Error.Code)
}

func TestDispatch_TSConfigRequests(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src", "a.ts")
	writeFile(t, src, "export const a = 1;\n")
	d := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, request(t, KindCreateTSConfigFile, map[string]any{
		"compilerOptions": map[string]any{"allowJs": true},
		"files":           []string{src},
	}))
	require.Equal(t, Success, resp.Type, "%+v", resp.Error)
	file, isFile := resp.Result.(tsconfigFile)
	require.True(t, isFile)
	_, err := os.Stat(file.Filename)
	require.NoError(t, err)

	resp = d.Dispatch(ctx, request(t, KindTSConfigFiles, map[string]string{"tsconfig": file.Filename}))
	require.Equal(t, Success, resp.Type, "%+v", resp.Error)
	files, isFiles := resp.Result.(tsconfigFilesResult)
	require.True(t, isFiles)
	require.Len(t, files.Files, 1)
	assert.True(t, strings.HasSuffix(files.Files[0], "/src/a.ts"))
	assert.Equal(t, []string{}, files.ProjectReferences)

	resp = d.Dispatch(ctx, Request{Type: KindNewTSConfig})
	assert.Equal(t, Success, resp.Type)
}

func TestDispatch_AnalyzeProjectAggregate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.js"), "debugger;\n")
	writeFile(t, filepath.Join(root, "b.js"), "let x = 1;\n")
	d := newTestDispatcher(t)
	ctx := context.Background()
	require.Equal(t, Success, d.Dispatch(ctx, request(t, KindInitialize, initRules("no-debugger"))).Type)

	resp := d.Dispatch(ctx, request(t, KindAnalyzeProject, map[string]any{
		"baseDir": root,
		"files":   []map[string]string{{"path": "a.js"}, {"path": "b.js"}},
	}))
	require.Equal(t, Success, resp.Type, "%+v", resp.Error)
	res, isRun := resp.Result.(*understory.RunResult)
	require.True(t, isRun)
	assert.Equal(t, understory.StatusCompleted, res.Status)
	require.Len(t, res.Files, 2)
	assert.Len(t, res.Files[0].Issues, 1)
	assert.Empty(t, res.Files[1].Issues)
}

func post(t *testing.T, ts *httptest.Server, body string) (int, wireResponse) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+"/request", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out wireResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHTTP_Request(t *testing.T) {
	_, ts := newTestServer(t)

	code, resp := post(t, ts, `{"id": "1", "type": "initialize", "data": {"rules": [{"key": "no-with"}]}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Success, resp.Type)
	assert.Equal(t, "1", resp.ID)
	assert.JSONEq(t, `"OK!"`, string(resp.Result))

	code, resp = post(t, ts, `{"type": "analyze-file", "data": {"filePath": "/v/a.js", "fileContent": "with (o) { x; }\n"}}`)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, Success, resp.Type)
	var res understory.FileResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "no-with", res.Issues[0].RuleID)
	assert.Equal(t, "/v/a.js", res.Path)

	code, resp = post(t, ts, `{"type": "nope"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Failure, resp.Type)
	assert.Equal(t, uerrors.CodeUnknownRequest, resp.Error.Code)

	code, resp = post(t, ts, `{"type": `)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, Failure, resp.Type)
}

func TestHTTP_MethodsAndStatus(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/request")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.False(t, st.Initialized)
	assert.Zero(t, st.ActiveRuns)
	assert.Equal(t, []string{}, st.Programs)
	assert.Contains(t, st.Kinds, KindAnalyzeProject)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wireResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var msg wireResponse
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWS_StreamsProject(t *testing.T) {
	root := t.TempDir()
	var files []map[string]string
	for i := range 5 {
		name := fmt.Sprintf("f%d.js", i)
		writeFile(t, filepath.Join(root, name), "debugger;\n")
		files = append(files, map[string]string{"path": name})
	}
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(request(t, KindInitialize, initRules("no-debugger"))))
	assert.Equal(t, Success, readWS(t, conn).Type)

	req := request(t, KindAnalyzeProject, map[string]any{"baseDir": root, "files": files})
	req.ID = "run-1"
	require.NoError(t, conn.WriteJSON(req))

	seen := map[string]bool{}
	for {
		msg := readWS(t, conn)
		assert.Equal(t, "run-1", msg.ID)
		if msg.Type == MessageSummary {
			var sum ProjectSummary
			require.NoError(t, json.Unmarshal(msg.Result, &sum))
			assert.Equal(t, understory.StatusCompleted, sum.Status)
			assert.Equal(t, 5, sum.Stats.Parsed)
			assert.Equal(t, 5, sum.Summary.Issues)
			break
		}
		require.Equal(t, MessageFile, msg.Type)
		var res understory.FileResult
		require.NoError(t, json.Unmarshal(msg.Result, &res))
		assert.Len(t, res.Issues, 1)
		seen[filepath.Base(res.Path)] = true
	}
	assert.Len(t, seen, 5)
}

func TestWS_RequestsAndBadMessages(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readWS(t, conn)
	assert.Equal(t, Failure, msg.Type)

	require.NoError(t, conn.WriteJSON(request(t, KindAnalyzeProject, map[string]any{"baseDir": t.TempDir()})))
	msg = readWS(t, conn)
	assert.Equal(t, Failure, msg.Type)
	assert.Equal(t, uerrors.CodeLinterInitialization, msg.Error.Code)

	require.NoError(t, conn.WriteJSON(Request{ID: "s", Type: KindStatus}))
	msg = readWS(t, conn)
	assert.Equal(t, Success, msg.Type)
	assert.Equal(t, "s", msg.ID)
}

func TestWS_CancelOnSameSocket(t *testing.T) {
	root := t.TempDir()
	var files []map[string]any
	for i := range 40 {
		files = append(files, map[string]any{"path": fmt.Sprintf("f%02d.js", i), "content": "debugger;\n"})
	}
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(request(t, KindInitialize, initRules("no-debugger"))))
	require.Equal(t, Success, readWS(t, conn).Type)

	require.NoError(t, conn.WriteJSON(request(t, KindAnalyzeProject, map[string]any{"baseDir": root, "files": files})))
	require.NoError(t, conn.WriteJSON(Request{ID: "cancel", Type: KindCancelAnalysis}))

	acked := false
	for {
		msg := readWS(t, conn)
		if msg.ID == "cancel" {
			assert.Equal(t, Success, msg.Type)
			acked = true
			continue
		}
		if msg.Type == MessageSummary {
			var sum ProjectSummary
			require.NoError(t, json.Unmarshal(msg.Result, &sum))
			// The cancel may land before the run registers.
			assert.Contains(t, []understory.RunStatus{understory.StatusCanceled, understory.StatusCompleted}, sum.Status)
			break
		}
		require.Equal(t, MessageFile, msg.Type)
	}
	assert.True(t, acked)
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(newTestEngine(t), WithLogger(logging.Discard()))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NotEmpty(t, s.Addr())

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Request{Type: KindStatus}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var msg wireResponse
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, Success, msg.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "sessions are closed on shutdown")
}
