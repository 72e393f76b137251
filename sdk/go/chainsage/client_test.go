package chainsage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestQuerySendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/base/api/v1/query" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Query != "balance" || req.MaxRetries == nil || *req.MaxRetries != 0 {
			t.Fatalf("unexpected payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(QueryResult{RunID: "run-1", Summary: &Summary{SuccessfulTools: []string{"get_native_balance"}}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/base", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	zero := 0
	result, err := client.Query(context.Background(), QueryRequest{Query: "balance", MaxRetries: &zero})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.RunID != "run-1" || result.Summary == nil || len(result.Summary.SuccessfulTools) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/task-1":
			status := "running"
			if calls.Add(1) >= 3 {
				status = "succeeded"
			}
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status, Result: &TaskResult{RunID: "task-1-1"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, TaskSubmission{Query: "gas"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	done, err := client.WaitTask(ctx, submitted.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait task: %v", err)
	}
	if done.Status != "succeeded" || calls.Load() != 3 {
		t.Fatalf("unexpected final task %+v after %d polls", done, calls.Load())
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/task-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "missing"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || !IsNotFound(err) {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestListToolsPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ListTools(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "boom" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatal("expected error for relative url")
	}
}

func TestAPIKeySentAsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAPIKey(" secret ")
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("list tools: %v", err)
	}
}
