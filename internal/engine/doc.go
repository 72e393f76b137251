// Package engine executes plans produced by the planner. Consecutive
// parallel-capable tools run concurrently; every tool invocation is retried
// with exponential backoff and bounded by a per-attempt timeout. A failing tool
// never aborts the rest of the plan.
package engine
