package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainSage/internal/engine"
	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/llm"
	"ChainSage/internal/observability/alerting"
	"ChainSage/internal/planner"
	"ChainSage/internal/storage/mysql"
	"ChainSage/internal/tool"
	"ChainSage/pkg/logger"
)

// QueryRequest 描述一次自然语言查询及其执行上下文覆盖项。
type QueryRequest struct {
	// ID 可选，作为运行记录 ID；异步任务使用任务 ID。
	ID            string `json:"id,omitempty"`
	Query         string `json:"query"`
	WalletAddress string `json:"wallet_address,omitempty"`
	ChainID       string `json:"chain_id,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	// MaxRetries 为 nil 时使用默认值，显式的 0 表示不重试。
	MaxRetries *int `json:"max_retries,omitempty"`
	TimeoutMS  int  `json:"timeout_ms,omitempty"`
	// Arguments 按工具名提供实参，同名工具的所有位置共享。
	Arguments map[string]tool.Args `json:"arguments,omitempty"`
	Summarize bool                 `json:"summarize,omitempty"`
}

// QueryResult 汇总一次查询的计划与执行结果。
type QueryResult struct {
	RunID     string          `json:"run_id"`
	Plan      *planner.Plan   `json:"plan"`
	Summary   *engine.Summary `json:"summary"`
	Answer    *FinalAnswer    `json:"answer,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// Agent 串联计划构建、执行、告警与运行记录，是系统的业务核心。
type Agent struct {
	registry       *tool.Registry
	builder        *planner.Builder
	engine         *engine.Engine
	selector       llm.ChatClient
	runs           mysql.RunRepository
	alerts         alerting.Dispatcher
	answerTemplate string
	log            *slog.Logger
	now            func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithRunRepository 配置运行记录仓库。未配置时不落库。
func WithRunRepository(repo mysql.RunRepository) Option {
	return func(a *Agent) {
		a.runs = repo
	}
}

// WithAlertDispatcher 配置工具失败时的告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = dispatcher
	}
}

// WithAnswerTemplate 替换整理答案使用的提示词。
func WithAnswerTemplate(template string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(template) != "" {
			a.answerTemplate = template
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。
func New(registry *tool.Registry, builder *planner.Builder, eng *engine.Engine, selector llm.ChatClient, opts ...Option) *Agent {
	ag := &Agent{
		registry:       registry,
		builder:        builder,
		engine:         eng,
		selector:       selector,
		answerTemplate: DefaultAnswerTemplate,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.log == nil {
		ag.log = logger.Named("agent")
	}
	return ag
}

// Ask 构建并执行计划。计划构建错误原样返回；工具失败记录在 Summary 中，不视为错误。
func (a *Agent) Ask(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if a.selector == nil || a.registry == nil || a.builder == nil || a.engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 未完整初始化")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询内容不能为空")
	}

	plan, err := a.builder.CreateExecutionPlan(ctx, query, a.selector, overrides(req)...)
	if err != nil {
		a.log.Warn("plan creation failed", slog.String("query", query), slog.Any("error", err))
		return nil, err
	}
	for name, args := range req.Arguments {
		if hits := plan.SetArguments(name, args); hits == 0 {
			a.log.Debug("arguments for unselected tool ignored", slog.String("tool", name))
		}
	}

	summary, err := a.engine.ExecutePlan(ctx, plan)
	if err != nil {
		return nil, err
	}

	runID := strings.TrimSpace(req.ID)
	if runID == "" {
		runID = uuid.NewString()
	}
	result := &QueryResult{
		RunID:     runID,
		Plan:      plan,
		Summary:   summary,
		CreatedAt: a.now().Unix(),
	}

	a.alertFailures(ctx, runID, plan, summary)

	if req.Summarize {
		answer, err := a.composeAnswer(ctx, query, summary)
		if err != nil {
			a.log.Warn("final answer failed", slog.String("plan_id", plan.ID), slog.Any("error", err))
		} else {
			result.Answer = answer
		}
	}

	if err := a.persist(ctx, result); err != nil {
		return nil, err
	}

	logger.Audit().Info("query executed",
		slog.String("run_id", runID),
		slog.String("plan_id", plan.ID),
		slog.String("query", query),
		slog.String("wallet", plan.Context.WalletAddress),
		slog.Any("successful_tools", summary.SuccessfulTools),
		slog.Any("failed_tools", summary.FailedTools),
		slog.Duration("elapsed", summary.TotalExecutionTime),
	)
	return result, nil
}

// ListHistory 获取最近的运行记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]mysql.RunRecord, error) {
	if a.runs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置运行记录仓库")
	}
	records, err := a.runs.ListLatest(ctx, limit)
	if err != nil {
		if _, coded := xerrors.From(err); coded {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return records, nil
}

// Tools 返回当前注册的工具目录。
func (a *Agent) Tools() []tool.Descriptor {
	if a.registry == nil {
		return nil
	}
	return a.registry.Descriptors()
}

func overrides(req QueryRequest) []tool.ContextOption {
	var opts []tool.ContextOption
	if wallet := strings.TrimSpace(req.WalletAddress); wallet != "" {
		opts = append(opts, tool.WithWallet(wallet))
	}
	if chain := strings.TrimSpace(req.ChainID); chain != "" {
		opts = append(opts, tool.WithChainID(chain))
	}
	if req.Priority > 0 {
		opts = append(opts, tool.WithPriority(req.Priority))
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		opts = append(opts, tool.WithMaxRetries(*req.MaxRetries))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, tool.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	return opts
}

func (a *Agent) alertFailures(ctx context.Context, runID string, plan *planner.Plan, summary *engine.Summary) {
	if a.alerts == nil {
		return
	}
	for _, stat := range summary.Stats {
		if stat.Success {
			continue
		}
		code := xerrors.Code(stat.ErrorCode)
		if code == "" {
			code = engine.CodeToolExecution
		}
		event := alerting.NewEvent(code, nil)
		event.Message = stat.Error
		event.PlanID = plan.ID
		event.Tool = stat.ToolName
		event.Attempts = stat.Retries
		event.MaxRetries = plan.Context.MaxRetries
		event.Metadata = map[string]string{"run_id": runID, "stage": "tool"}
		if err := a.alerts.Notify(ctx, event); err != nil {
			a.log.Error("告警通知失败", slog.Any("error", err), slog.String("tool", stat.ToolName))
		}
	}
}

func (a *Agent) persist(ctx context.Context, result *QueryResult) error {
	if a.runs == nil {
		return nil
	}
	summaryJSON, err := json.Marshal(result.Summary)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化执行摘要失败")
	}
	record := mysql.RunRecord{
		ID:               result.RunID,
		PlanID:           result.Plan.ID,
		Query:            result.Plan.Query,
		WalletAddress:    result.Plan.Context.WalletAddress,
		ChainID:          result.Plan.Context.ChainID,
		Tools:            result.Plan.ToolNames(),
		SuccessfulTools:  result.Summary.SuccessfulTools,
		FailedTools:      result.Summary.FailedTools,
		TotalExecutionMS: result.Summary.TotalExecutionTime.Milliseconds(),
		Summary:          summaryJSON,
		CreatedAt:        result.CreatedAt,
	}
	if result.Answer != nil {
		record.Answer = result.Answer.Text()
	}
	if err := a.runs.Save(ctx, record); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存运行记录失败")
	}
	return nil
}
