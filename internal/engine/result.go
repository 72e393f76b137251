package engine

import (
	"encoding/json"
	"time"
)

// ExecutionResult 是单个工具调用（含全部重试）的最终结果。
type ExecutionResult struct {
	Success       bool
	Data          string
	Error         string
	ErrorCode     string
	ExecutionTime time.Duration
	// Retries 为失败尝试次数：成功时是成功前的失败数，最终失败时等于总尝试数。
	Retries int
}

// ToolStats 记录计划中某个工具的执行统计。
type ToolStats struct {
	ToolName      string
	ExecutionTime time.Duration
	Success       bool
	Error         string
	ErrorCode     string
	Retries       int
}

type toolStatsJSON struct {
	ToolName        string `json:"toolName"`
	ExecutionTimeMS int64  `json:"executionTime"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
	Retries         int    `json:"retries"`
}

// MarshalJSON 以毫秒输出耗时。
func (s ToolStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolStatsJSON{
		ToolName:        s.ToolName,
		ExecutionTimeMS: s.ExecutionTime.Milliseconds(),
		Success:         s.Success,
		Error:           s.Error,
		ErrorCode:       s.ErrorCode,
		Retries:         s.Retries,
	})
}

func (s *ToolStats) UnmarshalJSON(data []byte) error {
	var raw toolStatsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ToolStats{
		ToolName:      raw.ToolName,
		ExecutionTime: time.Duration(raw.ExecutionTimeMS) * time.Millisecond,
		Success:       raw.Success,
		Error:         raw.Error,
		ErrorCode:     raw.ErrorCode,
		Retries:       raw.Retries,
	}
	return nil
}

// Summary 汇总一次计划执行。SuccessfulTools 与 FailedTools 为按首次出现排序的去重集合，
// Stats 按工具名去重并保持首次发起顺序。
type Summary struct {
	PlanID             string
	TotalExecutionTime time.Duration
	SuccessfulTools    []string
	FailedTools        []string
	Stats              []ToolStats
	// Outputs 保存成功工具的规范化输出。
	Outputs map[string]string
}

type summaryJSON struct {
	PlanID               string            `json:"planId,omitempty"`
	TotalExecutionTimeMS int64             `json:"totalExecutionTime"`
	SuccessfulTools      []string          `json:"successfulTools"`
	FailedTools          []string          `json:"failedTools"`
	Stats                []ToolStats       `json:"stats"`
	Outputs              map[string]string `json:"outputs,omitempty"`
}

func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryJSON{
		PlanID:               s.PlanID,
		TotalExecutionTimeMS: s.TotalExecutionTime.Milliseconds(),
		SuccessfulTools:      nonNil(s.SuccessfulTools),
		FailedTools:          nonNil(s.FailedTools),
		Stats:                s.Stats,
		Outputs:              s.Outputs,
	})
}

func (s *Summary) UnmarshalJSON(data []byte) error {
	var raw summaryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Summary{
		PlanID:             raw.PlanID,
		TotalExecutionTime: time.Duration(raw.TotalExecutionTimeMS) * time.Millisecond,
		SuccessfulTools:    raw.SuccessfulTools,
		FailedTools:        raw.FailedTools,
		Stats:              raw.Stats,
		Outputs:            raw.Outputs,
	}
	return nil
}

// Succeeded 判断计划中是否没有失败的工具。
func (s *Summary) Succeeded() bool {
	return s != nil && len(s.FailedTools) == 0
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// aggregator 折叠各工具结果。统计项按工具名索引，重复出现的工具覆盖其统计但保留原位置。
type aggregator struct {
	successful []string
	failed     []string
	stats      []ToolStats
	statIndex  map[string]int
	seenOK     map[string]bool
	seenFailed map[string]bool
	outputs    map[string]string
}

func newAggregator() *aggregator {
	return &aggregator{
		statIndex:  make(map[string]int),
		seenOK:     make(map[string]bool),
		seenFailed: make(map[string]bool),
		outputs:    make(map[string]string),
	}
}

func (a *aggregator) record(name string, res ExecutionResult) {
	if res.Success {
		if !a.seenOK[name] {
			a.seenOK[name] = true
			a.successful = append(a.successful, name)
		}
		a.outputs[name] = res.Data
	} else if !a.seenFailed[name] {
		a.seenFailed[name] = true
		a.failed = append(a.failed, name)
	}

	stat := ToolStats{
		ToolName:      name,
		ExecutionTime: res.ExecutionTime,
		Success:       res.Success,
		Error:         res.Error,
		ErrorCode:     res.ErrorCode,
		Retries:       res.Retries,
	}
	if i, ok := a.statIndex[name]; ok {
		a.stats[i] = stat
		return
	}
	a.statIndex[name] = len(a.stats)
	a.stats = append(a.stats, stat)
}

func (a *aggregator) summary(planID string, total time.Duration) *Summary {
	if a.stats == nil {
		a.stats = []ToolStats{}
	}
	return &Summary{
		PlanID:             planID,
		TotalExecutionTime: total,
		SuccessfulTools:    nonNil(a.successful),
		FailedTools:        nonNil(a.failed),
		Stats:              a.stats,
		Outputs:            a.outputs,
	}
}
