package agentserve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetscope/winops/internal/fsearch"
	"github.com/fleetscope/winops/internal/remote"
	"github.com/fleetscope/winops/internal/sessions"
)

// fakeHive serves a registry layout from maps, mirroring what HKEY_USERS
// looks like on a host with one live session.
type fakeHive struct {
	children map[string][]string
	values   map[string]map[string]string
}

func (f *fakeHive) ListChildren(path string) ([]string, error) {
	return f.children[path], nil
}

func (f *fakeHive) ReadValue(path, name string) (string, bool, error) {
	vals, ok := f.values[path]
	if !ok {
		return "", false, nil
	}
	v, ok := vals[name]
	return v, ok, nil
}

func liveHive() *fakeHive {
	const sid = "S-1-5-21-1111111111-2222222222-333333333-1001"
	return &fakeHive{
		children: map[string][]string{
			"":  {".DEFAULT", sid, sid + "_Classes", "S-1-5-18"},
			sid: {"Environment", "Volatile Environment"},
		},
		values: map[string]map[string]string{
			sid + `\Volatile Environment`: {"USERNAME": "alice"},
		},
	}
}

func startAgent(t *testing.T, cfg Config, runner *TaskRunner) string {
	t.Helper()
	srv := New(cfg, runner, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleQuery))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/query"
}

func dialAgent(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestAgentServesSessions(t *testing.T) {
	runner := NewTaskRunner("WS01", liveHive(), nil)
	url := startAgent(t, Config{AuthToken: "tok"}, runner)
	conn := dialAgent(t, url, "tok")

	req := remote.QueryRequest{ID: "q-1", Task: remote.TaskSessions}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp remote.QueryResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.ID != "q-1" || resp.Status != remote.StatusSuccess {
		t.Fatalf("resp = %+v", resp)
	}

	got := sessions.DecodeSessions("WS01", resp.Payload)
	if len(got) != 1 || got[0].Username != "alice" {
		t.Fatalf("decoded sessions = %+v", got)
	}
}

func TestAgentServesFSSearch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "report.log"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	runner := NewTaskRunner("WS01", nil, nil)
	url := startAgent(t, Config{AuthToken: "tok"}, runner)
	conn := dialAgent(t, url, "tok")

	args, _ := json.Marshal(map[string]any{"root": root, "pattern": "*.log"})
	req := remote.QueryRequest{ID: "q-2", Task: remote.TaskFSSearch, Args: args}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp remote.QueryResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != remote.StatusSuccess {
		t.Fatalf("resp = %+v", resp)
	}

	var result fsearch.Result
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Matches) != 1 || filepath.Base(result.Matches[0].Path) != "report.log" {
		t.Fatalf("matches = %+v", result.Matches)
	}
}

func TestAgentRejectsBadToken(t *testing.T) {
	runner := NewTaskRunner("WS01", nil, nil)
	url := startAgent(t, Config{AuthToken: "right"}, runner)

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("dial with wrong token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestAgentUnknownTask(t *testing.T) {
	runner := NewTaskRunner("WS01", nil, nil)
	url := startAgent(t, Config{AuthToken: "tok"}, runner)
	conn := dialAgent(t, url, "tok")

	if err := conn.WriteJSON(remote.QueryRequest{ID: "q-3", Task: "wipe_disk"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp remote.QueryResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != remote.StatusError || !strings.Contains(resp.Error, "unknown task") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAgentSkipsRequestWithoutID(t *testing.T) {
	runner := NewTaskRunner("WS01", liveHive(), nil)
	url := startAgent(t, Config{AuthToken: "tok"}, runner)
	conn := dialAgent(t, url, "tok")

	// No ID: the agent must ignore this rather than answer or hang up.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"task":"sessions"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(remote.QueryRequest{ID: "q-4", Task: remote.TaskSessions}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp remote.QueryResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.ID != "q-4" {
		t.Fatalf("resp.ID = %q, want q-4", resp.ID)
	}
}

func TestTaskRunnerBootTime(t *testing.T) {
	runner := NewTaskRunner("WS01", nil, nil)
	resp := runner.Run(context.Background(), remote.QueryRequest{ID: "b-1", Task: remote.TaskBootTime})
	if resp.Status != remote.StatusSuccess {
		t.Fatalf("resp = %+v", resp)
	}

	var payload struct {
		BootEpoch int64 `json:"bootEpoch"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.BootEpoch <= 0 || payload.BootEpoch > time.Now().Unix() {
		t.Fatalf("bootEpoch = %d", payload.BootEpoch)
	}
}

func TestTaskRunnerSessionsWithoutReader(t *testing.T) {
	runner := NewTaskRunner("WS01", nil, nil)
	resp := runner.Run(context.Background(), remote.QueryRequest{ID: "s-1", Task: remote.TaskSessions})
	if resp.Status != remote.StatusError || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestTaskRunnerMalformedArgs(t *testing.T) {
	runner := NewTaskRunner("WS01", nil, nil)
	req := remote.QueryRequest{ID: "m-1", Task: remote.TaskFSSearch, Args: json.RawMessage(`"not an object"`)}
	resp := runner.Run(context.Background(), req)
	if resp.Status != remote.StatusError || !strings.Contains(resp.Error, "malformed args") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"name":  "report",
		"depth": float64(7),
		"deep":  true,
	}

	if got := argString(args, "name", "x"); got != "report" {
		t.Errorf("argString = %q", got)
	}
	if got := argString(args, "missing", "fallback"); got != "fallback" {
		t.Errorf("argString default = %q", got)
	}
	if got := argInt(args, "depth", 1); got != 7 {
		t.Errorf("argInt = %d", got)
	}
	if got := argInt(args, "name", 9); got != 9 {
		t.Errorf("argInt wrong type = %d", got)
	}
	if got := argBool(args, "deep", false); !got {
		t.Error("argBool = false")
	}
	if got := argBool(args, "missing", true); !got {
		t.Error("argBool default = false")
	}
}

func TestAgentHealthEndpoint(t *testing.T) {
	srv := New(Config{}, NewTaskRunner("WS01", nil, nil), nil)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
		QueueDepth int               `json:"queueDepth"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health body: %v", err)
	}
	if body.Status != "healthy" {
		t.Fatalf("status = %q, want healthy (body %s)", body.Status, rec.Body.String())
	}
	if body.Components["pool"] != "healthy" {
		t.Fatalf("components = %v, want pool healthy", body.Components)
	}
}

func TestRunRejectsHalfConfiguredTLS(t *testing.T) {
	srv := New(Config{CertFile: "cert.pem"}, NewTaskRunner("WS01", nil, nil), nil)

	err := srv.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "certificate and a key") {
		t.Fatalf("err = %v, want TLS pair error", err)
	}
}

func TestRunRejectsUnparseableTLSPair(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	for _, f := range []string{cert, key} {
		if err := os.WriteFile(f, []byte("not pem"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	srv := New(Config{CertFile: cert, KeyFile: key}, NewTaskRunner("WS01", nil, nil), nil)
	err := srv.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "TLS key pair") {
		t.Fatalf("err = %v, want parse error", err)
	}
}
