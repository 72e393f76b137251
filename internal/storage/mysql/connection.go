package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	xerrors "ChainSage/internal/errors"
)

const (
	defaultDriver       = "mysql"
	defaultMaxOpen      = 20
	defaultMaxIdle      = 10
	defaultConnLifetime = 30 * time.Minute
	defaultDialTimeout  = 5 * time.Second
	defaultPingAttempts = 3
)

// Config 描述连接池参数，零值字段使用包内默认值。
type Config struct {
	// Driver 默认为 mysql；测试可注册脚本化驱动并在此指定其名称。
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingAttempts 为启动时探活的最大次数，两次之间按尝试序号线性退避。
	PingAttempts int
	PingBackoff  time.Duration
}

func (c Config) driverName() string {
	if d := strings.TrimSpace(c.Driver); d != "" {
		return d
	}
	return defaultDriver
}

// normalizeDSN 用驱动自身的解析器校验 DSN，并补齐未设置的超时。
func normalizeDSN(dsn string) (string, error) {
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}
	if parsed.Timeout == 0 {
		parsed.Timeout = defaultDialTimeout
	}
	return parsed.FormatDSN(), nil
}

// Open 建立连接池并确认数据库可达。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	name := cfg.driverName()
	dsn := strings.TrimSpace(cfg.DSN)
	if name == defaultDriver {
		if dsn == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
		}
		normalized, err := normalizeDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, defaultMaxOpen))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultMaxIdle))
	db.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, defaultConnLifetime))
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := ping(ctx, db, orDefault(cfg.PingAttempts, defaultPingAttempts), orDefault(cfg.PingBackoff, time.Second)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB, attempts int, backoff time.Duration) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeStorageFailure, ctx.Err(), "等待 MySQL 就绪被取消")
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
}

func orDefault[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
