package planner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/llm"
	"ChainSage/internal/tool"
	"ChainSage/pkg/logger"
)

const (
	// CodeNoToolsSelected 表示模型回复中没有可用的工具选择。
	CodeNoToolsSelected xerrors.Code = "NO_TOOLS_SELECTED"
	// CodeToolNotFound 表示模型选择了未注册的工具。
	CodeToolNotFound xerrors.Code = "TOOL_NOT_FOUND"
	// CodeSelectorFailure 表示调用选择模型本身失败。
	CodeSelectorFailure xerrors.Code = "SELECTOR_FAILURE"
)

func init() {
	xerrors.Register(CodeNoToolsSelected, xerrors.Attributes{
		Message:  "no suitable tools found for the query",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "selected tool not found",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSelectorFailure, xerrors.Attributes{
		Message:   "tool selector unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Builder 基于注册表与选择模型生成执行计划。
type Builder struct {
	registry *tool.Registry
	template string
	defaults tool.ExecutionContext
	now      func() time.Time
	log      *slog.Logger
}

// Option 自定义 Builder。
type Option func(*Builder)

// WithPromptTemplate 替换提示词模板，模板应包含 ${toolsList}。
func WithPromptTemplate(template string) Option {
	return func(b *Builder) {
		if strings.TrimSpace(template) != "" {
			b.template = template
		}
	}
}

// WithDefaultContext 设置进程级默认执行上下文。
func WithDefaultContext(ctx tool.ExecutionContext) Option {
	return func(b *Builder) { b.defaults = ctx }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBuilder 创建计划构建器。
func NewBuilder(registry *tool.Registry, opts ...Option) *Builder {
	b := &Builder{
		registry: registry,
		template: DefaultPromptTemplate,
		defaults: tool.DefaultExecutionContext(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.log == nil {
		b.log = logger.Named("planner")
	}
	return b
}

// DefaultContext 返回构建器使用的默认上下文。
func (b *Builder) DefaultContext() tool.ExecutionContext { return b.defaults }

// CreateExecutionPlan 请求模型选择工具并生成计划。任何工具名无法解析时整体失败，不返回部分计划。
func (b *Builder) CreateExecutionPlan(ctx context.Context, query string, selector llm.ChatClient, overrides ...tool.ContextOption) (*Plan, error) {
	if b.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "tool registry not configured")
	}
	if selector == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "tool selector not configured")
	}

	base := b.defaults
	base.Timestamp = b.now()
	planCtx := tool.Merge(base, overrides...)

	prompt, err := RenderPrompt(b.template, b.registry.GetAllTools(), planCtx.WalletAddress)
	if err != nil {
		return nil, err
	}

	completion, err := selector.Chat(ctx, []llm.Message{
		{Role: llm.RoleAssistant, Content: prompt},
		{Role: llm.RoleUser, Content: query},
	})
	if err != nil {
		if xerrors.CodeOf(err) == CodeSelectorFailure {
			return nil, err
		}
		var opts []xerrors.Option
		if _, coded := xerrors.From(err); coded {
			opts = append(opts, xerrors.WithRetryable(xerrors.RetryableError(err)))
		}
		return nil, xerrors.Wrap(CodeSelectorFailure, err, "", opts...)
	}

	content, _ := completion.FirstContent()
	names, ok := parseSelection(content)
	if !ok {
		b.log.Debug("selector reply unusable", slog.String("content", truncate(content, 256)))
		return nil, xerrors.New(CodeNoToolsSelected, "")
	}

	tools := make([]*tool.Tool, 0, len(names))
	var missing []string
	for _, name := range names {
		t, found := b.registry.Lookup(name)
		if !found {
			missing = append(missing, name)
			continue
		}
		tools = append(tools, t)
	}
	if len(missing) > 0 {
		return nil, xerrors.New(CodeToolNotFound, "tool "+missing[0]+" not found",
			xerrors.WithMetadata("tool", missing[0]),
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
	}

	order := make([]int, len(tools))
	for i := range order {
		order[i] = i
	}

	plan := &Plan{
		ID:             uuid.NewString(),
		Query:          query,
		Tools:          tools,
		ExecutionOrder: order,
		ParallelGroups: groupParallel(tools),
		Context:        planCtx,
	}
	b.log.Debug("execution plan created",
		slog.String("plan_id", plan.ID),
		slog.Any("tools", names),
		slog.Any("parallel_groups", plan.ParallelGroups))
	return plan, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
