package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainSage/internal/agent"
	"ChainSage/internal/auth"
	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/observability/metrics"
	"ChainSage/internal/planner"
	"ChainSage/internal/storage/mysql"
	"ChainSage/internal/task"
	"ChainSage/internal/tool"
	"ChainSage/pkg/logger"
)

// QueryRunner 是 API 所需的同步查询能力，由 agent.Agent 实现。
type QueryRunner interface {
	Ask(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
	ListHistory(ctx context.Context, limit int) ([]mysql.RunRecord, error)
	Tools() []tool.Descriptor
}

// TaskService 是 API 所需的异步任务能力，由 task.Service 实现。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Server 负责暴露 REST 接口，供外部驱动查询与任务。
type Server struct {
	addr    string
	agent   QueryRunner
	tasks   TaskService
	metrics *metrics.Metrics
	auth    *auth.Service
	log     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithAgent 配置同步查询入口。
func WithAgent(runner QueryRunner) Option {
	return func(s *Server) { s.agent = runner }
}

// WithTaskService 配置异步任务服务。
func WithTaskService(svc TaskService) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth 启用 API 密钥认证；健康检查与 /metrics 不受保护。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/query", "query", auth.PermissionQuery, s.handleQuery)
	s.route(mux, "POST /api/v1/tasks", "tasks_create", auth.PermissionTasksWrite, s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "tasks_list", auth.PermissionTasksRead, s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/stats", "tasks_stats", auth.PermissionTasksRead, s.handleTaskStats)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks_detail", auth.PermissionTasksRead, s.handleTaskDetail)
	s.route(mux, "GET /api/v1/tools", "tools", auth.PermissionCatalog, s.handleTools)
	s.route(mux, "GET /api/v1/runs", "runs", auth.PermissionQuery, s.handleRuns)
	s.route(mux, "GET /healthz", "healthz", "", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// route 注册路由；permission 为空表示无需认证。
func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, handler http.HandlerFunc) {
	var h http.Handler = handler
	if permission != "" && s.auth != nil {
		h = s.auth.Middleware(writeError, permission)(h)
	}
	if s.metrics != nil {
		h = s.metrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	var req agent.QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.agent.Ask(r.Context(), req)
	if err != nil {
		s.log.Warn("同步查询失败", slog.Any("error", err), slog.String("query", req.Query), slog.String("subject", auth.SubjectName(r.Context())))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("任务已提交", slog.String("task_id", created.ID), slog.String("subject", auth.SubjectName(r.Context())))
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Tools())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	runs, err := s.agent.ListHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 解析 status、limit、offset、q、order、has_result、since、until。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	values := r.URL.Query()
	var opts []task.ListOption

	if raw := values.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	for _, field := range []struct {
		name  string
		apply func(int) task.ListOption
	}{
		{"limit", task.WithLimit},
		{"offset", task.WithOffset},
	} {
		raw := values.Get(field.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, field.name+" 必须为非负整数")
		}
		opts = append(opts, field.apply(n))
	}
	if q := values.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	switch strings.ToLower(values.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能为 asc 或 desc")
	}
	if raw := values.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	for _, field := range []struct {
		name  string
		apply func(time.Time) task.ListOption
	}{
		{"since", task.WithUpdatedSince},
		{"until", task.WithUpdatedUntil},
	} {
		raw := values.Get(field.name)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, field.name+" 必须为 Unix 秒")
		}
		opts = append(opts, field.apply(time.Unix(ts, 0)))
	}
	return opts, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{Error: errorDetail{Code: string(code), Message: xerrors.MessageOf(err)}})
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted, task.CodeTaskConflict, task.CodeTaskCompleted:
		return http.StatusConflict
	case planner.CodeNoToolsSelected, planner.CodeToolNotFound:
		return http.StatusUnprocessableEntity
	case planner.CodeSelectorFailure, xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
