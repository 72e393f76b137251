package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainSage/internal/errors"
	storage "ChainSage/internal/storage/mysql"
)

// mysqlDuplicateEntry 是 MySQL 主键或唯一索引冲突的错误号。
const mysqlDuplicateEntry = 1062

// MySQLStore 把任务状态保存在 task_states 表，表结构由嵌入式迁移维护。
// 状态转换通过带条件的 UPDATE 完成，多个进程可以共享同一张表。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 复用已有连接，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const taskColumns = `id, query, wallet_address, chain_id, priority, options, status, attempts, max_retries,
        last_error, error_code, result, created_at, updated_at`

const (
	insertTaskSQL = `INSERT INTO task_states
        (id, query, wallet_address, chain_id, priority, options, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	selectTaskSQL = `SELECT ` + taskColumns + ` FROM task_states WHERE id = ?`
	// claim 只命中仍有剩余次数的 pending 任务。
	claimTaskSQL = `UPDATE task_states
        SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
	succeedTaskSQL = `UPDATE task_states SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	failTaskSQL    = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	statsTaskSQL   = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM task_states`
)

// storageError 保留已分类的错误，其余包装为 STORAGE_FAILURE。
func storageError(err error, message string) error {
	if _, coded := xerrors.From(err); coded {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// Create 插入新任务，主键冲突返回 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if err := prepareNew(task, s.now().Unix()); err != nil {
		return err
	}
	options, err := json.Marshal(task.Options)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务参数失败")
	}

	_, err = s.db.ExecContext(ctx, insertTaskSQL,
		task.ID, task.Query, task.WalletAddress, task.ChainID, task.Priority,
		string(options), string(task.Status), task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isDuplicateEntry(err):
		return ErrTaskConflict
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTaskSQL, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询任务失败")
	}
	return task, nil
}

// exec 执行单行更新，返回受影响行数。
func (s *MySQLStore) exec(ctx context.Context, message, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected, nil
}

// Claim 原子地把 pending 任务置为 running。未命中时重新读取任务说明原因。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	affected, err := s.exec(ctx, "更新任务状态失败", claimTaskSQL,
		string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, err
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	if err := task.claimable(); err != nil {
		return task, err
	}
	// 其他进程在两次读写之间改动了任务。
	return task, ErrTaskConflict
}

func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	return s.mark(ctx, "标记任务成功失败", succeedTaskSQL,
		string(StatusSucceeded), string(encoded), s.now().Unix(), id)
}

func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	return s.mark(ctx, "标记任务失败失败", failTaskSQL,
		string(failureStatus(terminal)), lastError, string(code), s.now().Unix(), id)
}

func (s *MySQLStore) mark(ctx context.Context, message, query string, args ...any) error {
	affected, err := s.exec(ctx, message, query, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	clause, args := buildFilterClause(opts)
	query := `SELECT ` + taskColumns + ` FROM task_states` + where(clause) +
		" ORDER BY updated_at " + direction + ", created_at " + direction + ", id " + direction +
		" LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storageError(err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	clause, filterArgs := buildFilterClause(opts)
	args := append([]any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}, filterArgs...)

	var stats TaskStats
	err := s.db.QueryRowContext(ctx, statsTaskSQL+where(clause), args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt, stats.NewestUpdatedAt = 0, 0
	}
	return stats, nil
}

func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                      Task
		status                    string
		options, lastErr, encoded sql.NullString
	)
	if err := row.Scan(
		&task.ID, &task.Query, &task.WalletAddress, &task.ChainID, &task.Priority,
		&options, &status, &task.Attempts, &task.MaxRetries,
		&lastErr, &task.ErrorCode, &encoded, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastErr.String
	if err := decodeColumn(options, &task.Options, "解析任务参数失败"); err != nil {
		return nil, err
	}
	var result Result
	if err := decodeColumn(encoded, &result, "解析任务结果失败"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(encoded.String) != "" {
		task.Result = &result
	}
	return &task, nil
}

// decodeColumn 解码 JSON 列，NULL 与空串保持 dst 不变。
func decodeColumn(col sql.NullString, dst any, message string) error {
	if !col.Valid || strings.TrimSpace(col.String) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	return nil
}

func where(clause string) string {
	if clause == "" {
		return ""
	}
	return " WHERE " + clause
}

// buildFilterClause 把过滤条件翻译为 WHERE 子句（不含关键字）与参数。
func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, values ...any) {
		conds = append(conds, cond)
		args = append(args, values...)
	}

	if n := len(opts.Statuses); n > 0 {
		values := make([]any, n)
		for i, status := range opts.Statuses {
			values[i] = string(status)
		}
		add("status IN ("+strings.TrimSuffix(strings.Repeat("?,", n), ",")+")", values...)
	}
	if opts.UpdatedGTE > 0 {
		add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		add("updated_at <= ?", opts.UpdatedLTE)
	}
	switch {
	case opts.HasResult == nil:
	case *opts.HasResult:
		add("(result IS NOT NULL AND result <> '')")
	default:
		add("(result IS NULL OR result = '')")
	}
	if opts.Query != "" {
		p := "%" + opts.Query + "%"
		add("(id LIKE ? OR query LIKE ? OR wallet_address LIKE ? OR chain_id LIKE ? OR last_error LIKE ?)", p, p, p, p, p)
	}
	return strings.Join(conds, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
