package mysql

import (
	"bufio"
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"ChainSage/deploy/migrations"
	xerrors "ChainSage/internal/errors"
)

const (
	createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(128) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectAppliedMigrations = `SELECT version, checksum FROM schema_migrations`
	insertAppliedMigration  = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// Migration 是一份嵌入的 SQL 迁移文件。Version 取文件名第一个 "_" 之前的部分。
type Migration struct {
	Version    string
	Name       string
	Checksum   string
	Statements []string
}

// Migrations 返回按版本排序的嵌入迁移。
func Migrations() ([]Migration, error) {
	return readMigrations(migrations.Files)
}

// Migrate 执行尚未应用的迁移。
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := ApplyMigrations(ctx, db)
	return err
}

// ApplyMigrations 在各自的事务中依次执行未应用的迁移并返回本次执行的列表。
// 已应用迁移的文件内容若被修改，校验和不一致时直接报错，不做任何变更。
func ApplyMigrations(ctx context.Context, db *sql.DB) ([]Migration, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range all {
		sum, ok := applied[m.Version]
		switch {
		case !ok:
			pending = append(pending, m)
		case sum != "" && sum != m.Checksum:
			return nil, xerrors.New(xerrors.CodeStorageFailure,
				fmt.Sprintf("迁移 %s 已应用但文件内容发生变化", m.Name),
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("version", m.Version))
		}
	}

	for i, m := range pending {
		if err := inTx(ctx, db, func(tx *sql.Tx) error { return applyMigration(ctx, tx, m) }); err != nil {
			return pending[:i], err
		}
	}
	return pending, nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, selectAppliedMigrations)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := map[string]string{}
	for rows.Next() {
		var version string
		var checksum sql.NullString
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum.String
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func applyMigration(ctx context.Context, tx *sql.Tx, m Migration) error {
	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", m.Name))
		}
	}
	if _, err := tx.ExecContext(ctx, insertAppliedMigration, m.Version, m.Name, m.Checksum, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	return nil
}

// inTx 在事务中执行 fn，fn 返回错误时回滚。
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func readMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	var out []Migration
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		stmts := splitStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:    migrationVersion(name),
			Name:       name,
			Checksum:   hex.EncodeToString(sum[:]),
			Statements: stmts,
		})
	}
	slices.SortFunc(out, func(a, b Migration) int {
		return cmp.Or(cmp.Compare(a.Version, b.Version), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

// splitStatements 去掉以 -- 开头的整行注释后按分号切分。
func splitStatements(content string) []string {
	var stmts []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			idx := strings.IndexByte(line, ';')
			if idx < 0 {
				break
			}
			current.WriteString(line[:idx])
			flush()
			line = line[idx+1:]
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return stmts
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
