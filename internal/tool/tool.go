package tool

import (
	"context"

	xerrors "ChainSage/internal/errors"
)

// CodeDuplicateTool 表示同名工具重复注册。
const CodeDuplicateTool xerrors.Code = "DUPLICATE_TOOL"

func init() {
	xerrors.Register(CodeDuplicateTool, xerrors.Attributes{
		Message:  "tool already registered",
		Severity: xerrors.SeverityWarning,
	})
}

// Parameter 描述工具的单个位置参数。
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Dependency 声明对其他工具的依赖。当前版本仅作为元数据保留，规划器不会据此排序。
type Dependency struct {
	ToolName   string           `json:"toolName"`
	Required   bool             `json:"required"`
	Parameters map[string]Value `json:"parameters,omitempty"`
}

// Result 是工具执行函数返回的原始结果。
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK 构造成功结果。
func OK(data any) Result { return Result{Success: true, Data: data} }

// Fail 构造失败结果。
func Fail(message string) Result { return Result{Success: false, Error: message} }

// ExecuteFunc 执行工具。ctx 会在单次尝试超时或调用方取消时结束。
type ExecuteFunc func(ctx context.Context, args Args, execCtx ExecutionContext) (Result, error)

// Tool 是一个可被选择、调度和执行的命名能力。
type Tool struct {
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Category        string       `json:"category"`
	Version         string       `json:"version"`
	Parameters      []Parameter  `json:"parameters"`
	Dependencies    []Dependency `json:"dependencies,omitempty"`
	ParallelSafe    bool         `json:"parallelExecutionSupported"`
	RequiredContext []string     `json:"requiredContext,omitempty"`

	// Validate 返回 false 时本次尝试按校验失败处理。
	Validate func(Args) bool `json:"-"`
	// Transform 作用于成功结果的 Data。
	Transform func(any) any `json:"-"`
	Execute   ExecuteFunc   `json:"-"`
}

// Descriptor 返回工具目录中展示的只读描述。
func (t *Tool) Descriptor() Descriptor {
	params := make([]Parameter, len(t.Parameters))
	copy(params, t.Parameters)
	deps := make([]Dependency, len(t.Dependencies))
	copy(deps, t.Dependencies)
	return Descriptor{
		Name:         t.Name,
		Description:  t.Description,
		Category:     t.Category,
		Version:      t.Version,
		Parameters:   params,
		Dependencies: deps,
		ParallelSafe: t.ParallelSafe,
	}
}

// Descriptor 是工具的可序列化描述，用于提示词模板与 API 输出。
type Descriptor struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Category     string       `json:"category"`
	Version      string       `json:"version"`
	Parameters   []Parameter  `json:"parameters"`
	Dependencies []Dependency `json:"dependencies"`
	ParallelSafe bool         `json:"parallelExecutionSupported"`
}
