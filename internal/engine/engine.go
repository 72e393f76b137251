package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/planner"
	"ChainSage/internal/tool"
	"ChainSage/pkg/logger"
)

const (
	// CodeToolValidation 表示工具的输入校验未通过。
	CodeToolValidation xerrors.Code = "TOOL_VALIDATION"
	// CodeToolExecution 表示工具返回错误或报告失败。
	CodeToolExecution xerrors.Code = "TOOL_EXECUTION"
	// CodeToolTimeout 表示单次尝试超时。
	CodeToolTimeout xerrors.Code = "TOOL_TIMEOUT"
	// CodeToolCancelled 表示调用方取消了执行。
	CodeToolCancelled xerrors.Code = "TOOL_CANCELLED"
)

func init() {
	xerrors.Register(CodeToolValidation, xerrors.Attributes{Message: "invalid input parameters", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeToolExecution, xerrors.Attributes{Message: "tool execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
	xerrors.Register(CodeToolTimeout, xerrors.Attributes{Message: "execution timeout", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
	xerrors.Register(CodeToolCancelled, xerrors.Attributes{Message: "execution cancelled", Severity: xerrors.SeverityInfo})
}

// DefaultBackoffUnit 是指数退避的基本单位，第 n 次失败后等待 2^n 个单位。
const DefaultBackoffUnit = time.Second

// Observer 接收执行事件，用于指标采集等旁路逻辑。实现需并发安全。
type Observer interface {
	ToolExecuted(toolName string, result ExecutionResult)
	PlanExecuted(summary *Summary)
}

// Engine 执行计划并汇总结果。
type Engine struct {
	defaultRetries int
	defaultTimeout time.Duration
	backoffUnit    time.Duration
	observers      []Observer
	log            *slog.Logger
	now            func() time.Time
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithDefaultRetries 设置上下文未给出有效值（负数）时使用的重试次数。
func WithDefaultRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.defaultRetries = n
		}
	}
}

// WithDefaultTimeout 设置上下文未给出有效值时使用的单次超时。
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithBackoffUnit 设置退避单位，0 表示重试之间不等待。
func WithBackoffUnit(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.backoffUnit = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 创建执行引擎。
func New(opts ...Option) *Engine {
	e := &Engine{
		defaultRetries: tool.DefaultMaxRetries,
		defaultTimeout: tool.DefaultTimeout,
		backoffUnit:    DefaultBackoffUnit,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = logger.Named("engine")
	}
	return e
}

// ExecutePlan 按执行顺序运行计划。仅在计划本身不合法时返回错误，工具失败记录在 Summary 中。
func (e *Engine) ExecutePlan(ctx context.Context, plan *planner.Plan) (*Summary, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	start := e.now()
	agg := newAggregator()

	for i := 0; i < len(plan.ExecutionOrder); i++ {
		idx := plan.ExecutionOrder[i]

		if group, ok := plan.GroupOf(idx); ok && len(group) > 0 {
			results := make([]ExecutionResult, len(group))
			var wg sync.WaitGroup
			for j, member := range group {
				wg.Add(1)
				go func(j, member int) {
					defer wg.Done()
					results[j] = e.ExecuteSingleTool(ctx, plan.Tools[member], plan.ArgsAt(member), plan.Context)
				}(j, member)
			}
			wg.Wait()

			for j, member := range group {
				agg.record(plan.Tools[member].Name, results[j])
			}
			i += len(group) - 1
			continue
		}

		res := e.ExecuteSingleTool(ctx, plan.Tools[idx], plan.ArgsAt(idx), plan.Context)
		agg.record(plan.Tools[idx].Name, res)
	}

	summary := agg.summary(plan.ID, e.now().Sub(start))
	for _, o := range e.observers {
		o.PlanExecuted(summary)
	}
	e.log.Debug("plan executed",
		slog.String("plan_id", plan.ID),
		slog.Int("succeeded", len(summary.SuccessfulTools)),
		slog.Int("failed", len(summary.FailedTools)),
		slog.Duration("elapsed", summary.TotalExecutionTime))
	return summary, nil
}

// ExecuteSingleTool 带校验、超时与指数退避重试地执行一个工具。
//
// execCtx.MaxRetries 为负或 execCtx.Timeout 非正时使用引擎默认值。
func (e *Engine) ExecuteSingleTool(ctx context.Context, t *tool.Tool, args tool.Args, execCtx tool.ExecutionContext) ExecutionResult {
	maxRetries := execCtx.MaxRetries
	if maxRetries < 0 {
		maxRetries = e.defaultRetries
	}
	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	start := e.now()
	retries := 0
	for retries <= maxRetries {
		data, err := e.attempt(ctx, t, args, execCtx, timeout)
		if err == nil {
			return e.finish(t.Name, ExecutionResult{
				Success:       true,
				Data:          data,
				ExecutionTime: e.now().Sub(start),
				Retries:       retries,
			})
		}

		retries++
		if retries > maxRetries || xerrors.CodeOf(err) == CodeToolCancelled {
			return e.finish(t.Name, failure(err, e.now().Sub(start), retries))
		}

		delay := e.backoff(retries)
		e.log.Warn("tool attempt failed, retrying",
			slog.String("tool", t.Name),
			slog.Int("retry", retries),
			slog.Int("max_retries", maxRetries),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))

		if err := sleep(ctx, delay); err != nil {
			cancelled := xerrors.Wrap(CodeToolCancelled, err, "")
			return e.finish(t.Name, failure(cancelled, e.now().Sub(start), retries))
		}
	}

	return e.finish(t.Name, ExecutionResult{
		Error:         "maximum retries exceeded",
		ErrorCode:     string(xerrors.CodeRetriesExhausted),
		ExecutionTime: e.now().Sub(start),
		Retries:       retries,
	})
}

type outcome struct {
	result tool.Result
	err    error
}

// attempt 执行一次尝试，返回规范化后的输出。
func (e *Engine) attempt(ctx context.Context, t *tool.Tool, args tool.Args, execCtx tool.ExecutionContext, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", xerrors.Wrap(CodeToolCancelled, err, "")
	}
	if t.Validate != nil && !t.Validate(args.Clone()) {
		return "", xerrors.New(CodeToolValidation, "invalid input parameters")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := t.Execute(attemptCtx, args.Clone(), execCtx)
		done <- outcome{result: res, err: err}
	}()

	timedOut := func() error {
		if ctx.Err() != nil {
			return xerrors.Wrap(CodeToolCancelled, ctx.Err(), "")
		}
		return xerrors.New(CodeToolTimeout, fmt.Sprintf("execution timeout after %s", timeout))
	}

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
				return "", timedOut()
			}
			return "", xerrors.Wrap(CodeToolExecution, out.err, xerrors.MessageOf(out.err))
		}
		if !out.result.Success {
			msg := out.result.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			return "", xerrors.New(CodeToolExecution, msg)
		}
		payload := out.result.Data
		if t.Transform != nil {
			payload = t.Transform(payload)
		}
		return normalize(payload)
	case <-attemptCtx.Done():
		return "", timedOut()
	}
}

func (e *Engine) backoff(retries int) time.Duration {
	if e.backoffUnit == 0 {
		return 0
	}
	return time.Duration(1<<uint(retries)) * e.backoffUnit
}

func (e *Engine) finish(name string, res ExecutionResult) ExecutionResult {
	for _, o := range e.observers {
		o.ToolExecuted(name, res)
	}
	return res
}

func failure(err error, elapsed time.Duration, retries int) ExecutionResult {
	return ExecutionResult{
		Error:         xerrors.MessageOf(err),
		ErrorCode:     string(xerrors.CodeOf(err)),
		ExecutionTime: elapsed,
		Retries:       retries,
	}
}

// normalize 把输出转为字符串：字符串与字节切片原样返回，其余值编码为 JSON。
func normalize(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(CodeToolExecution, err, "serialize tool output")
	}
	return string(raw), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
