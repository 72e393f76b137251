package task

import (
	"time"

	"ChainSage/internal/agent"
	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/tool"
)

// Status 表示任务在生命周期中的状态。pending 包含等待重试的任务，failed 为终态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Options 保存查询执行参数，随任务一起持久化。
type Options struct {
	Arguments map[string]tool.Args `json:"arguments,omitempty"`
	Summarize bool                 `json:"summarize,omitempty"`
	// ToolRetries 为单个工具的重试次数，nil 表示使用引擎默认值。
	ToolRetries *int `json:"tool_retries,omitempty"`
	TimeoutMS   int  `json:"timeout_ms,omitempty"`
}

// Result 保存一次成功执行的摘要。
type Result struct {
	RunID            string            `json:"run_id"`
	PlanID           string            `json:"plan_id"`
	Tools            []string          `json:"tools"`
	SuccessfulTools  []string          `json:"successful_tools"`
	FailedTools      []string          `json:"failed_tools"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	Answer           string            `json:"answer,omitempty"`
	TotalExecutionMS int64             `json:"total_execution_ms"`
}

// Task 描述了排队执行的查询。
type Task struct {
	ID            string  `json:"id"`
	Query         string  `json:"query"`
	WalletAddress string  `json:"wallet_address,omitempty"`
	ChainID       string  `json:"chain_id,omitempty"`
	Priority      int     `json:"priority"`
	Options       Options `json:"options"`
	Status        Status  `json:"status"`
	Attempts      int     `json:"attempts"`
	MaxRetries    int     `json:"max_retries"`
	LastError     string  `json:"last_error,omitempty"`
	ErrorCode     string  `json:"error_code,omitempty"`
	Result        *Result `json:"result,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Done 报告任务是否已进入终态。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// SubmitRequest 是提交异步查询的入参。
type SubmitRequest struct {
	ID            string               `json:"id,omitempty"`
	Query         string               `json:"query"`
	WalletAddress string               `json:"wallet_address,omitempty"`
	ChainID       string               `json:"chain_id,omitempty"`
	Priority      int                  `json:"priority,omitempty"`
	MaxRetries    *int                 `json:"max_retries,omitempty"`
	TimeoutMS     int                  `json:"timeout_ms,omitempty"`
	Arguments     map[string]tool.Args `json:"arguments,omitempty"`
	Summarize     bool                 `json:"summarize,omitempty"`
}

// QueryRequest 把任务转换为 agent 的查询请求，运行 ID 区分每次尝试。
func (t *Task) QueryRequest(runID string) agent.QueryRequest {
	return agent.QueryRequest{
		ID:            runID,
		Query:         t.Query,
		WalletAddress: t.WalletAddress,
		ChainID:       t.ChainID,
		Priority:      t.Priority,
		MaxRetries:    t.Options.ToolRetries,
		TimeoutMS:     t.Options.TimeoutMS,
		Arguments:     t.Options.Arguments,
		Summarize:     t.Options.Summarize,
	}
}

// ResultFrom 从 agent 的执行结果提取任务结果。
func ResultFrom(res *agent.QueryResult) Result {
	if res == nil {
		return Result{}
	}
	out := Result{RunID: res.RunID}
	if res.Plan != nil {
		out.PlanID = res.Plan.ID
		out.Tools = res.Plan.ToolNames()
	}
	if res.Summary != nil {
		out.SuccessfulTools = res.Summary.SuccessfulTools
		out.FailedTools = res.Summary.FailedTools
		out.Outputs = res.Summary.Outputs
		out.TotalExecutionMS = res.Summary.TotalExecutionTime.Milliseconds()
	}
	if res.Answer != nil {
		out.Answer = res.Answer.Text()
	}
	return out
}

// Message 是队列中传递的任务引用。
type Message struct {
	TaskID     string    `json:"task_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed")
	// ErrTaskExhausted 表示任务已失败且不会再重试。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		clone.Result = &result
	}
	if task.Options.Arguments != nil {
		clone.Options.Arguments = make(map[string]tool.Args, len(task.Options.Arguments))
		for name, args := range task.Options.Arguments {
			clone.Options.Arguments[name] = args.Clone()
		}
	}
	if task.Options.ToolRetries != nil {
		n := *task.Options.ToolRetries
		clone.Options.ToolRetries = &n
	}
	return &clone
}

func taskHasResult(task *Task) bool {
	return task != nil && task.Result != nil
}
