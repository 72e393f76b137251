// Package planner 将自然语言请求转化为工具执行计划：渲染工具目录提示词、调用选择模型、
// 解析所选工具名，并按并行能力把相邻工具分组。
package planner
