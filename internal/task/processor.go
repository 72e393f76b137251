package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ChainSage/internal/agent"
	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/observability/alerting"
	"ChainSage/pkg/logger"
)

// Asker 是处理器依赖的 agent 能力。
type Asker interface {
	Ask(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
}

// Observer 接收每次处理的结果：succeeded、failed 或 retry。
type Observer interface {
	TaskProcessed(status string)
}

const outcomeRetry = "retry"

// Processor 从队列消费任务，领取后交给 agent 执行并回写状态。
// 可重试的失败在尝试次数未用尽时重新投递到队列。
type Processor struct {
	asker    Asker
	store    Store
	consumer Consumer
	producer Producer
	workers  int
	log      *slog.Logger
	alerter  alerting.Dispatcher
	observer Observer
	now      func() time.Time
}

type ProcessorOption func(*Processor)

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置消费协程数量，<=0 时忽略。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) { p.observer = observer }
}

func NewProcessor(asker Asker, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		asker:    asker,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("task_processor")
	}
	return p
}

// Start 阻塞消费直到 ctx 结束或队列返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// runID 区分同一任务的每次尝试，形如 <task>-<attempt>。
func runID(task *Task) string {
	return fmt.Sprintf("%s-%d", task.ID, task.Attempts)
}

// skipReason 判断领取失败是否属于可以静默丢弃的重复消息。
func skipReason(err error) (string, bool) {
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return "not_found", true
	case stdErrors.Is(err, ErrTaskCompleted):
		return "completed", true
	case stdErrors.Is(err, ErrTaskExhausted):
		return "exhausted", true
	case stdErrors.Is(err, ErrTaskConflict):
		return "running", true
	}
	return "", false
}

func (p *Processor) handle(ctx context.Context, msg Message) error {
	if p.store == nil || p.asker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, msg.TaskID)
	if err != nil {
		if reason, skip := skipReason(err); skip {
			p.log.Debug("跳过任务消息", slog.String("task_id", msg.TaskID), slog.String("reason", reason))
			return nil
		}
		p.log.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", msg.TaskID))
		p.alert(ctx, &Task{ID: msg.TaskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	started := p.now()
	res, err := p.asker.Ask(ctx, task.QueryRequest(runID(task)))
	if err != nil {
		return p.fail(ctx, task, err)
	}
	return p.succeed(ctx, task, ResultFrom(res), p.now().Sub(started))
}

func (p *Processor) succeed(ctx context.Context, task *Task, record Result, elapsed time.Duration) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.log.Error("写入任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.fail(ctx, task, xerrors.Wrap(CodeTaskProcessing, err, "记录任务结果失败"))
	}
	p.observe(string(StatusSucceeded))
	logger.Audit().Info("task_succeeded",
		slog.String("task_id", task.ID),
		slog.String("run_id", record.RunID),
		slog.String("plan_id", record.PlanID),
		slog.Int("attempts", task.Attempts),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return nil
}

// failure 是一次失败尝试的分类结果。
type failure struct {
	code     xerrors.Code
	terminal bool
	stage    string
}

func classify(task *Task, cause error) failure {
	f := failure{code: xerrors.CodeOf(cause), stage: "retry"}
	if f.code == xerrors.CodeUnknown {
		f.code = CodeTaskProcessing
	}
	switch {
	case !xerrors.RetryableError(cause):
		f.terminal, f.stage = true, "non_retryable"
	case task.Attempts >= task.MaxRetries:
		f.terminal, f.stage = true, "terminal"
	}
	return f
}

func (p *Processor) fail(ctx context.Context, task *Task, cause error) error {
	f := classify(task, cause)
	if err := p.store.MarkFailed(ctx, task.ID, f.code, cause.Error(), f.terminal); err != nil {
		p.log.Error("写入任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("task_failed",
		slog.String("task_id", task.ID),
		slog.String("query", task.Query),
		slog.String("stage", f.stage),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(f.code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	p.alert(ctx, task, f.code, cause, f.stage)

	if f.terminal {
		p.observe(string(StatusFailed))
		return nil
	}
	p.observe(outcomeRetry)
	return p.requeue(ctx, task)
}

// requeue 重新投递任务；投递失败时任务直接进入终态。
func (p *Processor) requeue(ctx context.Context, task *Task) error {
	err := p.producer.Publish(ctx, Message{TaskID: task.ID, Priority: task.Priority, EnqueuedAt: p.now()})
	if err == nil {
		p.log.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
		return nil
	}
	wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	if markErr := p.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
		p.log.Warn("标记重投失败任务出错", slog.Any("error", markErr), slog.String("task_id", task.ID))
	}
	p.alert(ctx, task, CodeTaskPublish, wrapped, "requeue")
	return wrapped
}

func (p *Processor) observe(outcome string) {
	if p.observer != nil {
		p.observer.TaskProcessed(outcome)
	}
}

func (p *Processor) alert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.NewEvent(code, cause)
	event.TaskID = task.ID
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	event.Metadata = map[string]string{
		"stage":    stage,
		"priority": strconv.Itoa(task.Priority),
	}
	if cause != nil {
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("发送告警失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
