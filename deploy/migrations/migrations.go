package migrations

import "embed"

// Files 暴露运行记录与任务状态表的 SQL 迁移。
//
//go:embed *.sql
var Files embed.FS
