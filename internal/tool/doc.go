// Package tool 定义可被规划与执行的工具模型、参数值以及进程内的工具注册表。
//
// 注册表在启动阶段写入、运行期只读；执行上下文在每个计划构建时生成一次，之后不可变。
package tool
