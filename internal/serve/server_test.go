package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aide-sh/aide/internal/backend"
	"github.com/aide-sh/aide/internal/events"
	"github.com/aide-sh/aide/internal/intent"
	"github.com/aide-sh/aide/internal/lifecycle"
	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/state"
)

type stubLocal struct {
	result backend.Result
}

func (s *stubLocal) Run(ctx context.Context, commandText string, timeout time.Duration) backend.Result {
	return s.result
}

type stubRemote struct {
	result backend.Result
}

func (s *stubRemote) Run(ctx context.Context, creds backend.SSHCredentials, commandText string, connectTimeout, execTimeout time.Duration) backend.Result {
	return s.result
}

type testServer struct {
	*Server
	store     *state.Store
	lifecycle *lifecycle.Engine
	bus       *events.EventBus
}

func setupTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	st, err := state.Open(filepath.Join(t.TempDir(), "aide.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewEventBus(4)
	emitter := events.NewEventEmitter(bus, 64)
	eng := lifecycle.New(st, emitter, lifecycle.DefaultConfig(),
		lifecycle.WithLocalRunner(&stubLocal{result: backend.Result{Success: true, Output: "ok", ExitCode: 0}}),
		lifecycle.WithRemoteRunner(&stubRemote{result: backend.Result{Success: true, Output: "remote ok", ExitCode: 0}}),
	)

	cfg := Config{
		Host:      "127.0.0.1",
		Port:      0,
		Store:     st,
		Lifecycle: eng,
		Bus:       bus,
		Detector:  intent.NewKeywordDetector(nil),
		Engines:   &llm.MockFactory{},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &testServer{
		Server:    New(cfg),
		store:     st,
		lifecycle: eng,
		bus:       bus,
	}
}

func doRequest(t *testing.T, ts *testServer, method, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := doRequest(t, ts, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "online" || body["service"] != "aide" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestSystemInfo(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := doRequest(t, ts, http.MethodGet, "/api/v1/system-info", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v, want true", body["success"])
	}
	sys, ok := body["system"].(map[string]any)
	if !ok {
		t.Fatalf("missing system payload: %v", body)
	}
	if sys["platform"] == "" {
		t.Fatal("platform not set")
	}
}

func TestApproveExecutesCommand(t *testing.T) {
	ts := setupTestServer(t, nil)

	cmd, err := ts.lifecycle.Propose(context.Background(), "s1", "df -h", "Check disk space", state.PlatformLocal)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	rec := doRequest(t, ts, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/approve", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != string(state.StatusExecuted) {
		t.Fatalf("status = %v, want executed", body["status"])
	}
	result, ok := body["result"].(map[string]any)
	if !ok {
		t.Fatalf("missing result: %v", body)
	}
	if result["output"] != "ok" {
		t.Fatalf("output = %v, want ok", result["output"])
	}
}

func TestApproveUnknownCommandReturns404(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := doRequest(t, ts, http.MethodPost, "/api/v1/commands/nope/approve", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error_code"] != ErrCodeNotFound {
		t.Fatalf("error_code = %v, want %s", body["error_code"], ErrCodeNotFound)
	}
}

func TestApproveTerminalCommandReturnsInvalidState(t *testing.T) {
	ts := setupTestServer(t, nil)

	cmd, err := ts.lifecycle.Propose(context.Background(), "s1", "df -h", "Check disk space", state.PlatformLocal)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := ts.lifecycle.Reject(context.Background(), cmd.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	rec := doRequest(t, ts, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/approve", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error_code"] != ErrCodeInvalidState {
		t.Fatalf("error_code = %v, want %s", body["error_code"], ErrCodeInvalidState)
	}
}

func TestApproveRemoteWithoutCredentials(t *testing.T) {
	ts := setupTestServer(t, nil)

	cmd, err := ts.lifecycle.Propose(context.Background(), "s1", "df -h", "Check disk space", state.PlatformRemote)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	rec := doRequest(t, ts, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/approve", `{"host":"h1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error_code"] != ErrCodeMissingCredentials {
		t.Fatalf("error_code = %v, want %s", body["error_code"], ErrCodeMissingCredentials)
	}

	// Still approvable once credentials arrive.
	rec = doRequest(t, ts, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/approve",
		`{"host":"h1","username":"u","password":"p"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
}

func TestRejectCommand(t *testing.T) {
	ts := setupTestServer(t, nil)

	cmd, err := ts.lifecycle.Propose(context.Background(), "s1", "df -h", "Check disk space", state.PlatformLocal)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	rec := doRequest(t, ts, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/reject", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != string(state.StatusRejected) {
		t.Fatalf("status = %v, want rejected", body["status"])
	}
}

func TestListCommandsFilters(t *testing.T) {
	ts := setupTestServer(t, nil)
	ctx := context.Background()

	a, _ := ts.lifecycle.Propose(ctx, "s1", "df -h", "disk", state.PlatformLocal)
	if _, err := ts.lifecycle.Propose(ctx, "s2", "free -m", "memory", state.PlatformLocal); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := ts.lifecycle.Reject(ctx, a.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	rec := doRequest(t, ts, http.MethodGet, "/api/v1/commands/?session_id=s1&status=rejected", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}

	rec = doRequest(t, ts, http.MethodGet, "/api/v1/commands/?status=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSessionMessages(t *testing.T) {
	ts := setupTestServer(t, nil)

	for _, text := range []string{"hello", "world"} {
		msg := newAssistantMessage("s1", text, state.MessageText)
		if err := ts.store.AppendMessage(msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := doRequest(t, ts, http.MethodGet, "/api/v1/sessions/s1/messages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", body["count"])
	}

	rec = doRequest(t, ts, http.MethodGet, "/api/v1/sessions/s1/messages?limit=zero", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := setupTestServer(t, func(cfg *Config) {
		cfg.Auth = AuthConfig{Mode: AuthModeAPIKey, APIKey: "secret-key"}
	})

	rec := doRequest(t, ts, http.MethodGet, "/api/v1/commands/", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, ts, http.MethodGet, "/api/v1/commands/", "", map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, ts, http.MethodGet, "/api/v1/commands/", "", map[string]string{"X-API-Key": "secret-key"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, ts, http.MethodGet, "/api/v1/commands/", "", map[string]string{"Authorization": "Bearer secret-key"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCORSOriginEnforcement(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := doRequest(t, ts, http.MethodGet, "/health", "", map[string]string{"Origin": "http://localhost:3000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", got)
	}

	rec = doRequest(t, ts, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := doRequest(t, ts, http.MethodGet, "/health", "", map[string]string{requestIDHeader: "my-req-1"})
	if got := rec.Header().Get(requestIDHeader); got != "my-req-1" {
		t.Fatalf("request id = %q, want my-req-1", got)
	}

	rec = doRequest(t, ts, http.MethodGet, "/health", "", map[string]string{requestIDHeader: "bad id with spaces"})
	if got := rec.Header().Get(requestIDHeader); got == "" || got == "bad id with spaces" {
		t.Fatalf("request id = %q, want regenerated", got)
	}
}

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(Config{Host: "127.0.0.1", Auth: AuthConfig{Mode: AuthModeLocal}}); err != nil {
		t.Fatalf("loopback local mode: %v", err)
	}
	if err := ValidateConfig(Config{Host: "0.0.0.0", Auth: AuthConfig{Mode: AuthModeLocal}}); err == nil {
		t.Fatal("expected error binding non-loopback without auth")
	}
	if err := ValidateConfig(Config{Host: "0.0.0.0", Auth: AuthConfig{Mode: AuthModeAPIKey}}); err == nil {
		t.Fatal("expected error for api_key mode without a key")
	}
	if err := ValidateConfig(Config{Host: "0.0.0.0", Auth: AuthConfig{Mode: AuthModeAPIKey, APIKey: "k"}}); err != nil {
		t.Fatalf("api_key with key: %v", err)
	}
}
