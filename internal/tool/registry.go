package tool

import (
	"sync"

	xerrors "ChainSage/internal/errors"
)

// Registry 保存按名称索引的工具，并记录注册顺序。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// RegisterTool 注册工具；同名工具已存在时返回 DUPLICATE_TOOL 错误且不修改注册表。
func (r *Registry) RegisterTool(t *Tool) error {
	if t == nil || t.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool name is required")
	}
	if t.Execute == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool "+t.Name+" has no execute function",
			xerrors.WithMetadata("tool", t.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return xerrors.New(CodeDuplicateTool, "tool with name "+t.Name+" already exists",
			xerrors.WithMetadata("tool", t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister 注册多个工具，任一失败即 panic。仅用于启动阶段的内置工具。
func (r *Registry) MustRegister(tools ...*Tool) {
	for _, t := range tools {
		if err := r.RegisterTool(t); err != nil {
			panic(err)
		}
	}
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// GetAllTools 返回按注册顺序排列的快照。
func (r *Registry) GetAllTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Descriptors 返回全部工具的目录描述。
func (r *Registry) Descriptors() []Descriptor {
	all := r.GetAllTools()
	out := make([]Descriptor, 0, len(all))
	for _, t := range all {
		out = append(out, t.Descriptor())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
