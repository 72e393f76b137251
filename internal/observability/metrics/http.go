package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 5 * time.Second

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}

// Middleware instruments next with the promhttp helpers. The handler label
// is fixed per route; method and code come from the request.
func (m *Metrics) Middleware(handler string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handler}
	h := countServerErrors(m.httpErrors.MustCurryWith(labels), next)
	h = promhttp.InstrumentHandlerCounter(m.httpRequests.MustCurryWith(labels), h)
	h = promhttp.InstrumentHandlerDuration(m.httpDuration.MustCurryWith(labels), h)
	return promhttp.InstrumentHandlerInFlight(m.httpInFlight, h)
}

// countServerErrors increments errs once for every 5xx response.
func countServerErrors(errs *prometheus.CounterVec, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.code >= http.StatusInternalServerError {
			errs.WithLabelValues(r.Method).Inc()
		}
	})
}

type codeRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func (r *codeRecorder) WriteHeader(code int) {
	if !r.written {
		r.code, r.written = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *codeRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

// StartServer serves /metrics on its own listener until ctx is cancelled.
// Bind errors are returned before any goroutine starts.
func StartServer(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, m)
}

func serve(ctx context.Context, ln net.Listener, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
