package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "ChainSage/internal/errors"
)

// maxMemoryRuns 限制内存仓库保留的运行记录条数。
const maxMemoryRuns = 512

// RunRecord 表示一次查询执行的落库结构。
type RunRecord struct {
	ID               string          `json:"id"`
	PlanID           string          `json:"plan_id"`
	Query            string          `json:"query"`
	WalletAddress    string          `json:"wallet_address,omitempty"`
	ChainID          string          `json:"chain_id,omitempty"`
	Tools            []string        `json:"tools"`
	SuccessfulTools  []string        `json:"successful_tools"`
	FailedTools      []string        `json:"failed_tools"`
	TotalExecutionMS int64           `json:"total_execution_ms"`
	Summary          json.RawMessage `json:"summary,omitempty"`
	Answer           string          `json:"answer,omitempty"`
	CreatedAt        int64           `json:"created_at"`
}

// RunRepository 抽象运行记录的持久化接口。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
}

// MemoryRunRepository 使用本地 JSON Lines 文件保存运行记录，方便单机开发。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

// NewMemoryRunRepository 创建文件备份的内存仓库，并恢复已有记录。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemoryRunRepository{dataFile: filepath.Join(dataDir, "runs.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录运行结果。
func (m *MemoryRunRepository) Save(_ context.Context, record RunRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开运行日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行日志失败")
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > maxMemoryRuns {
		m.records = m.records[:maxMemoryRuns]
	}
	return nil
}

// ListLatest 返回最近的运行记录，按时间倒序排列。
func (m *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]RunRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []RunRecord
	for scanner.Scan() {
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]RunRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行日志失败")
	}
	if len(restored) > maxMemoryRuns {
		restored = restored[:maxMemoryRuns]
	}
	m.records = restored
	return nil
}

// SQLRunRepository 使用 MySQL 存储运行记录。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 创建连接池并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRunRepository{db: db}, nil
}

// NewSQLRunRepositoryWithDB 复用已有连接，不执行迁移。
func NewSQLRunRepositoryWithDB(db *sql.DB) *SQLRunRepository {
	return &SQLRunRepository{db: db}
}

const insertRunSQL = `INSERT INTO runs
        (id, plan_id, query, wallet_address, chain_id, tools, successful_tools, failed_tools, total_execution_ms, summary, answer, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRunsSQL = `SELECT id, plan_id, query, wallet_address, chain_id, tools, successful_tools, failed_tools,
        total_execution_ms, summary, answer, created_at
        FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`

// Save 将运行记录写入 MySQL。
func (s *SQLRunRepository) Save(ctx context.Context, record RunRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行记录 ID 不能为空")
	}
	tools, err := encodeNames(record.Tools)
	if err != nil {
		return err
	}
	successful, err := encodeNames(record.SuccessfulTools)
	if err != nil {
		return err
	}
	failed, err := encodeNames(record.FailedTools)
	if err != nil {
		return err
	}
	var summary sql.NullString
	if len(record.Summary) > 0 {
		summary = sql.NullString{String: string(record.Summary), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, insertRunSQL,
		record.ID,
		record.PlanID,
		record.Query,
		record.WalletAddress,
		record.ChainID,
		tools,
		successful,
		failed,
		record.TotalExecutionMS,
		summary,
		record.Answer,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// ListLatest 查询最近的若干条运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectRunsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()

	records := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			record                    RunRecord
			tools, successful, failed string
			summary, answer           sql.NullString
		)
		if err := rows.Scan(
			&record.ID,
			&record.PlanID,
			&record.Query,
			&record.WalletAddress,
			&record.ChainID,
			&tools,
			&successful,
			&failed,
			&record.TotalExecutionMS,
			&summary,
			&answer,
			&record.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		if record.Tools, err = decodeNames(tools); err != nil {
			return nil, err
		}
		if record.SuccessfulTools, err = decodeNames(successful); err != nil {
			return nil, err
		}
		if record.FailedTools, err = decodeNames(failed); err != nil {
			return nil, err
		}
		if summary.Valid && summary.String != "" {
			record.Summary = json.RawMessage(summary.String)
		}
		record.Answer = answer.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	encoded, err := json.Marshal(names)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码工具列表失败")
	}
	return string(encoded), nil
}

func decodeNames(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具列表失败")
	}
	return names, nil
}

var (
	_ RunRepository = (*MemoryRunRepository)(nil)
	_ RunRepository = (*SQLRunRepository)(nil)
)
