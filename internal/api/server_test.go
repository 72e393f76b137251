package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainSage/internal/agent"
	"ChainSage/internal/auth"
	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/observability/metrics"
	"ChainSage/internal/planner"
	"ChainSage/internal/storage/mysql"
	"ChainSage/internal/task"
	"ChainSage/internal/tool"
)

type fakeRunner struct {
	lastQuery agent.QueryRequest
	err       error
	limit     int
}

func (f *fakeRunner) Ask(_ context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
	f.lastQuery = req
	if f.err != nil {
		return nil, f.err
	}
	return &agent.QueryResult{RunID: "run-1", CreatedAt: 1700000000}, nil
}

func (f *fakeRunner) ListHistory(_ context.Context, limit int) ([]mysql.RunRecord, error) {
	f.limit = limit
	return []mysql.RunRecord{{ID: "run-1", Query: "gas price"}}, nil
}

func (f *fakeRunner) Tools() []tool.Descriptor {
	return []tool.Descriptor{{Name: "suggest_gas_price", Category: "chain"}}
}

type nopProducer struct{}

func (nopProducer) Publish(context.Context, task.Message) error { return nil }
func (nopProducer) Close() error                                { return nil }

func newTestServer(runner QueryRunner) (*Server, *task.MemoryStore) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, nopProducer{}, 3)
	return NewServer(":0", WithAgent(runner), WithTaskService(svc), WithMetrics(metrics.New())), store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestHandleQuery(t *testing.T) {
	runner := &fakeRunner{}
	server, _ := newTestServer(runner)
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/query", `{"query":"gas price","wallet_address":"0xabc","max_retries":0,"arguments":{"get_native_balance":["0xdef"]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var got agent.QueryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != "run-1" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if runner.lastQuery.MaxRetries == nil || *runner.lastQuery.MaxRetries != 0 {
		t.Fatalf("explicit zero retries lost: %+v", runner.lastQuery)
	}
	if runner.lastQuery.Arguments["get_native_balance"].StringAt(0) != "0xdef" {
		t.Fatalf("arguments lost: %+v", runner.lastQuery.Arguments)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/query", `{broken`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("expected bad request, got %d %s", rec.Code, rec.Body.String())
	}

	runner.err = xerrors.New(planner.CodeNoToolsSelected, "no tools selected")
	rec = do(t, h, http.MethodPost, "/api/v1/query", `{"query":"hello"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != string(planner.CodeNoToolsSelected) || detail.Message != "no tools selected" {
		t.Fatalf("unexpected error detail: %+v", detail)
	}
}

func TestTaskEndpoints(t *testing.T) {
	server, store := newTestServer(&fakeRunner{})
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", `{"id":"task-1","query":"balance","priority":3}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}

	if err := store.MarkSucceeded(context.Background(), "task-1", task.Result{RunID: "task-1-1"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/task-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Priority != 3 || got.Result == nil || got.Result.RunID != "task-1-1" {
		t.Fatalf("unexpected task: %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/missing", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != string(task.CodeTaskNotFound) {
		t.Fatalf("expected not found, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?status=succeeded&limit=5&q=bal", "")
	var list []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected list: %s (%v)", rec.Body.String(), err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/stats", "")
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.Total != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %s (%v)", rec.Body.String(), err)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/tasks", `{"query":"  "}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != string(task.CodeTaskValidation) {
		t.Fatalf("expected validation error, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/tasks/task-1", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCatalogHistoryAndHealth(t *testing.T) {
	runner := &fakeRunner{}
	server, _ := newTestServer(runner)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "suggest_gas_price") {
		t.Fatalf("unexpected tools response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/runs?limit=7", "")
	if rec.Code != http.StatusOK || runner.limit != 7 {
		t.Fatalf("unexpected runs response: %d limit=%d", rec.Code, runner.limit)
	}

	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthz") {
		t.Fatalf("metrics should record handled requests: %d", rec.Code)
	}
}

func TestUninitialisedServer(t *testing.T) {
	h := NewServer(":0").Handler()
	for _, target := range []string{"/api/v1/tools", "/api/v1/tasks"} {
		rec := do(t, h, http.MethodGet, target, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", target, rec.Code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeInvalidArgument: http.StatusBadRequest,
		task.CodeTaskConflict:       http.StatusConflict,
		planner.CodeSelectorFailure: http.StatusBadGateway,
		xerrors.CodeTimeout:         http.StatusGatewayTimeout,
		xerrors.CodeStorageFailure:  http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Fatalf("%s: got %d want %d", code, got, want)
		}
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.Key{{Name: "viewer", Key: "viewer-key", Permissions: []string{auth.PermissionCatalog}}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	h := NewServer(":0", WithAgent(&fakeRunner{}), WithAuth(svc)).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", "")
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != string(auth.CodeUnauthenticated) {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer viewer-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Authorization", "Bearer viewer-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without query permission, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health check should be open, got %d", rec.Code)
	}
}
