package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ChainSage/internal/engine"
)

func TestToolAndPlanObservation(t *testing.T) {
	m := New()

	m.ToolExecuted("get_native_balance", engine.ExecutionResult{Success: true, ExecutionTime: 20 * time.Millisecond})
	m.ToolExecuted("get_native_balance", engine.ExecutionResult{Success: false, ErrorCode: string(engine.CodeToolTimeout), Retries: 3})
	m.PlanExecuted(&engine.Summary{SuccessfulTools: []string{"a"}, FailedTools: []string{"b"}})
	m.PlanExecuted(nil)

	if got := testutil.ToFloat64(m.toolExecutions.WithLabelValues("get_native_balance", "success", "")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(m.toolExecutions.WithLabelValues("get_native_balance", "failure", string(engine.CodeToolTimeout))); got != 1 {
		t.Fatalf("expected one timeout failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.toolRetries.WithLabelValues("get_native_balance")); got != 3 {
		t.Fatalf("expected 3 retries, got %v", got)
	}
	if got := testutil.ToFloat64(m.plans.WithLabelValues("partial")); got != 1 {
		t.Fatalf("expected partial plan, got %v", got)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := New()
	handler := m.Middleware("query", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/query", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/query", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("query", "post", "502")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpErrors.WithLabelValues("query", http.MethodPost)); got != 2 {
		t.Fatalf("expected 2 errors, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TaskProcessed("succeeded")
	tools := m.Middleware("tools", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	tools.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`chainsage_tasks_processed_total{status="succeeded"} 1`,
		`chainsage_http_requests_total{code="200",handler="tools",method="get"} 1`,
		"chainsage_http_requests_in_flight 0",
		"promhttp_metric_handler_requests_total",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, New()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestStartServerRequiresAddress(t *testing.T) {
	if err := StartServer(t.Context(), "", New()); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
