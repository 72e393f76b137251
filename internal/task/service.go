package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/tool"
	"ChainSage/pkg/logger"
)

// DefaultMaxAttempts 为任务级别的默认最大尝试次数。
const DefaultMaxAttempts = 3

// Service 是任务的提交与查询入口，执行由 Processor 负责。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	now        func() time.Time
}

// ServiceOption 调整 Service 的可选行为。
type ServiceOption func(*Service)

// WithServiceClock 替换入队时间的时钟，主要用于测试。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造任务服务；maxRetries<=0 时使用 DefaultMaxAttempts。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxAttempts
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (r SubmitRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Query) == "":
		return xerrors.New(CodeTaskValidation, "查询内容不能为空")
	case r.MaxRetries != nil && *r.MaxRetries < 0:
		return xerrors.New(CodeTaskValidation, "max_retries 不能为负数")
	case r.TimeoutMS < 0:
		return xerrors.New(CodeTaskValidation, "timeout_ms 不能为负数")
	}
	return nil
}

// Submit 创建任务并投递到队列。
//
// 携带已存在的 ID 重复提交时返回原任务，不会再次入队。入队失败的任务直接进入终态
// failed，避免留下永远不会被消费的 pending 记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.existing(ctx, id); existing != nil || err != nil {
		return existing, err
	}

	task := s.newTask(id, req)
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			// 并发提交同一 ID，以先写入者为准。
			if existing, getErr := s.existing(ctx, id); existing != nil || getErr != nil {
				return existing, getErr
			}
		}
		return nil, err
	}
	if err := s.enqueue(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// existing 返回已存在的任务；不存在时两个返回值都为 nil。
func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (s *Service) newTask(id string, req SubmitRequest) *Task {
	opts := Options{Summarize: req.Summarize, TimeoutMS: req.TimeoutMS}
	if req.MaxRetries != nil {
		n := *req.MaxRetries
		opts.ToolRetries = &n
	}
	if len(req.Arguments) > 0 {
		opts.Arguments = make(map[string]tool.Args, len(req.Arguments))
		for name, args := range req.Arguments {
			opts.Arguments[name] = args.Clone()
		}
	}
	return &Task{
		ID:            id,
		Query:         strings.TrimSpace(req.Query),
		WalletAddress: strings.TrimSpace(req.WalletAddress),
		ChainID:       strings.TrimSpace(req.ChainID),
		Priority:      req.Priority,
		Options:       opts,
		Status:        StatusPending,
		MaxRetries:    s.maxRetries,
	}
}

func (s *Service) enqueue(ctx context.Context, task *Task) error {
	msg := Message{TaskID: task.ID, Priority: task.Priority, EnqueuedAt: s.now()}
	if err := s.producer.Publish(ctx, msg); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		if markErr := s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Warn("标记入队失败任务出错", slog.Any("error", markErr), slog.String("task_id", task.ID))
		}
		return wrapped
	}
	logger.Audit().Info("task_enqueued",
		slog.String("task_id", task.ID),
		slog.String("query", task.Query),
		slog.String("wallet_address", task.WalletAddress),
		slog.Int("priority", task.Priority),
		slog.Int("max_retries", task.MaxRetries),
	)
	return nil
}

func (s *Service) ready() error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return nil
}

// Get 返回指定任务的当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, buildListOptions(opts))
}

func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if err := s.ready(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 关闭存储与生产者，两者的错误都会返回。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到任务成功或进入终态失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
