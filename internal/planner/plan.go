package planner

import (
	"encoding/json"
	"fmt"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/tool"
)

// Plan 描述一次查询选中的工具及其执行方式。交给执行引擎后不得再修改。
type Plan struct {
	ID             string
	Query          string
	Tools          []*tool.Tool
	ExecutionOrder []int
	ParallelGroups [][]int
	Context        tool.ExecutionContext

	arguments map[int]tool.Args
}

// ToolNames 按选择顺序返回工具名。
func (p *Plan) ToolNames() []string {
	names := make([]string, len(p.Tools))
	for i, t := range p.Tools {
		names[i] = t.Name
	}
	return names
}

// GroupOf 返回包含 index 的并行组。
func (p *Plan) GroupOf(index int) ([]int, bool) {
	for _, group := range p.ParallelGroups {
		for _, member := range group {
			if member == index {
				return group, true
			}
		}
	}
	return nil, false
}

// SetArguments 为计划中所有名为 toolName 的位置设置实参，返回命中的位置数。
func (p *Plan) SetArguments(toolName string, args tool.Args) int {
	hits := 0
	for i, t := range p.Tools {
		if t.Name != toolName {
			continue
		}
		if p.arguments == nil {
			p.arguments = make(map[int]tool.Args)
		}
		p.arguments[i] = args.Clone()
		hits++
	}
	return hits
}

// ArgsAt 返回第 index 个工具的实参，未设置时为空列表。
func (p *Plan) ArgsAt(index int) tool.Args {
	return p.arguments[index].Clone()
}

// Validate 检查执行顺序与并行组中的下标均指向已选工具。
func (p *Plan) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan is nil")
	}
	n := len(p.Tools)
	for i, t := range p.Tools {
		if t == nil || t.Execute == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool at index %d not found in execution plan", i))
		}
	}
	for _, idx := range p.ExecutionOrder {
		if idx < 0 || idx >= n {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool at index %d not found in execution plan", idx))
		}
	}
	for _, group := range p.ParallelGroups {
		for _, idx := range group {
			if idx < 0 || idx >= n {
				return xerrors.New(xerrors.CodeInvalidArgument, "some tools in the parallel group are undefined")
			}
		}
	}
	return nil
}

type planView struct {
	ID             string                `json:"id"`
	Query          string                `json:"query"`
	Tools          []string              `json:"tools"`
	ExecutionOrder []int                 `json:"executionOrder"`
	ParallelGroups [][]int               `json:"parallelGroups"`
	Context        tool.ExecutionContext `json:"context"`
}

// MarshalJSON 输出计划的可读形态，工具仅以名称表示。
func (p *Plan) MarshalJSON() ([]byte, error) {
	groups := p.ParallelGroups
	if groups == nil {
		groups = [][]int{}
	}
	return json.Marshal(planView{
		ID:             p.ID,
		Query:          p.Query,
		Tools:          p.ToolNames(),
		ExecutionOrder: p.ExecutionOrder,
		ParallelGroups: groups,
		Context:        p.Context,
	})
}

// groupParallel 扫描选择顺序，把连续的可并行工具收集为一组；遇到不可并行工具时结束当前组。
// 不可并行工具本身不进入任何组。
func groupParallel(tools []*tool.Tool) [][]int {
	groups := make([][]int, 0)
	var current []int
	for i, t := range tools {
		if t.ParallelSafe {
			current = append(current, i)
			continue
		}
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
