// Package mysqltest provides a scripted database/sql driver for repository tests.
// Each expected statement is queued in order; any deviation fails the call.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t opType) String() string {
	switch t {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Op 描述一次预期的数据库调用。
type Op struct {
	typ    opType
	query  string
	result Result
	rows   Rows
	err    error
}

// WithErr 让该调用返回指定错误。
func (o Op) WithErr(err error) Op {
	o.err = err
	return o
}

// Result 是 Exec 的返回值。
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 是 Query 的返回值。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 期望一条 Exec 语句。空 query 表示不校验 SQL 文本。
func Exec(query string, result Result) Op {
	return Op{typ: opExec, query: query, result: result}
}

// Query 期望一条 Query 语句。
func Query(query string, rows Rows) Op {
	return Op{typ: opQuery, query: query, rows: rows}
}

func Begin() Op { return Op{typ: opBegin} }

func Commit() Op { return Op{typ: opCommit} }

func Rollback() Op { return Op{typ: opRollback} }

// Driver 按顺序消费预期调用并记录实际参数。
type Driver struct {
	ops  []Op
	idx  int32
	mu   sync.Mutex
	args [][]driver.Value
}

var driverSeq atomic.Int32

// NewDB 注册一个新的驱动实例并返回连接池。
func NewDB(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := New(ops...)
	name := DriverName(drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// DriverName 注册驱动并返回可用于 sql.Open 的名称。
func DriverName(drv *Driver) string {
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)
	return name
}

// New 构造一个未注册的驱动，配合 DriverName 使用。
func New(ops ...Op) *Driver {
	return &Driver{ops: ops, args: make([][]driver.Value, len(ops))}
}

// AssertConsumed 确认所有预期调用都已发生。
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

// ArgsAt 返回第 i 个调用收到的参数。
func (d *Driver) ArgsAt(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	return d.args[i]
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string, args []driver.NamedValue) (*Op, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %q", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		want := Normalize(op.query)
		got := Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if len(args) > 0 {
		values := make([]driver.Value, len(args))
		for i, arg := range args {
			values[i] = arg.Value
		}
		d.mu.Lock()
		d.args[idx] = values
		d.mu.Unlock()
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠 SQL 中的空白，便于比较。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
