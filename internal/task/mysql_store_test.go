package task

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/storage/mysql/mysqltest"
)

var taskColumnNames = []string{"id", "query", "wallet_address", "chain_id", "priority", "options", "status", "attempts", "max_retries", "last_error", "error_code", "result", "created_at", "updated_at"}

func taskRow(id string, status Status, attempts int64, result any) []driver.Value {
	return []driver.Value{id, "gas price", "0xabc", "1", int64(2), `{"summarize":true}`, string(status), attempts, int64(3), "", "", result, int64(100), int64(200)}
}

func fixedStore(t *testing.T, ops ...mysqltest.Op) (*MySQLStore, *mysqltest.Driver) {
	t.Helper()
	db, drv := mysqltest.NewDB(t, ops...)
	store := NewMySQLStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(500, 0) }
	return store, drv
}

func TestMySQLStoreCreate(t *testing.T) {
	store, drv := fixedStore(t, mysqltest.Exec(insertTaskSQL, mysqltest.Result{Affected: 1}))

	task := &Task{ID: "t1", Query: "gas price", Priority: 2, Status: StatusPending, MaxRetries: 3, Options: Options{Summarize: true}}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.AssertConsumed(t)

	args := drv.ArgsAt(0)
	if len(args) != 11 {
		t.Fatalf("unexpected arg count: %d", len(args))
	}
	if args[0] != "t1" || args[5] != `{"summarize":true}` || args[6] != "pending" || args[9] != int64(500) {
		t.Fatalf("unexpected args: %v", args)
	}
	if task.CreatedAt != 500 || task.UpdatedAt != 500 {
		t.Fatalf("timestamps not set: %+v", task)
	}
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	store, drv := fixedStore(t, mysqltest.Exec(insertTaskSQL, mysqltest.Result{}).WithErr(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	err := store.Create(context.Background(), &Task{ID: "t1", Query: "q"})
	if !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreGet(t *testing.T) {
	store, drv := fixedStore(t,
		mysqltest.Query(selectTaskSQL, mysqltest.Rows{
			Columns: taskColumnNames,
			Values:  [][]driver.Value{taskRow("t1", StatusSucceeded, 1, `{"run_id":"t1-1","plan_id":"p","tools":["a"],"successful_tools":["a"],"failed_tools":[],"total_execution_ms":12}`)},
		}),
		mysqltest.Query(selectTaskSQL, mysqltest.Rows{Columns: taskColumnNames}),
	)
	task, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusSucceeded || !task.Options.Summarize || task.Result == nil || task.Result.RunID != "t1-1" || task.Result.TotalExecutionMS != 12 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreClaim(t *testing.T) {
	store, drv := fixedStore(t,
		mysqltest.Exec(claimTaskSQL, mysqltest.Result{Affected: 1}),
		mysqltest.Query(selectTaskSQL, mysqltest.Rows{Columns: taskColumnNames, Values: [][]driver.Value{taskRow("t1", StatusRunning, 1, nil)}}),
		mysqltest.Exec(claimTaskSQL, mysqltest.Result{Affected: 0}),
		mysqltest.Query(selectTaskSQL, mysqltest.Rows{Columns: taskColumnNames, Values: [][]driver.Value{taskRow("t1", StatusSucceeded, 1, `{"run_id":"t1-1"}`)}}),
	)
	task, err := store.Claim(context.Background(), "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != StatusRunning || task.Attempts != 1 || task.Result != nil {
		t.Fatalf("unexpected claimed task: %+v", task)
	}
	args := drv.ArgsAt(0)
	if args[0] != "running" || args[2] != "t1" || args[3] != "pending" {
		t.Fatalf("unexpected claim args: %v", args)
	}
	if _, err := store.Claim(context.Background(), "t1"); !stdErrors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreMarkFailed(t *testing.T) {
	store, drv := fixedStore(t,
		mysqltest.Exec(failTaskSQL, mysqltest.Result{Affected: 1}),
		mysqltest.Exec(failTaskSQL, mysqltest.Result{Affected: 0}),
	)
	if err := store.MarkFailed(context.Background(), "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if args := drv.ArgsAt(0); args[0] != "pending" || args[2] != string(CodeTaskProcessing) {
		t.Fatalf("unexpected args: %v", args)
	}
	if err := store.MarkFailed(context.Background(), "missing", CodeTaskProcessing, "boom", true); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreMarkSucceededStorageError(t *testing.T) {
	store, drv := fixedStore(t, mysqltest.Exec(succeedTaskSQL, mysqltest.Result{}).WithErr(stdErrors.New("connection reset")))
	err := store.MarkSucceeded(context.Background(), "t1", Result{RunID: "t1-1"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreListWithFilters(t *testing.T) {
	opts := buildListOptions([]ListOption{WithStatuses(StatusFailed), WithQuery("gas"), WithLimit(5)})
	clause, _ := buildFilterClause(opts)
	query := `SELECT ` + taskColumns + ` FROM task_states WHERE ` + clause + ` ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`

	store, drv := fixedStore(t, mysqltest.Query(query, mysqltest.Rows{
		Columns: taskColumnNames,
		Values:  [][]driver.Value{taskRow("t1", StatusFailed, 3, nil), taskRow("t2", StatusFailed, 3, nil)},
	}))
	tasks, err := store.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[1].ID != "t2" {
		t.Fatalf("unexpected tasks: %v", ids(tasks))
	}
	args := drv.ArgsAt(0)
	if len(args) != 8 || args[0] != "failed" || args[1] != "%gas%" || args[6] != int64(5) || args[7] != int64(0) {
		t.Fatalf("unexpected args: %v", args)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreStats(t *testing.T) {
	store, drv := fixedStore(t, mysqltest.Query("", mysqltest.Rows{
		Columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
		Values:  [][]driver.Value{{int64(4), int64(1), int64(1), int64(1), int64(1), int64(10), int64(40)}},
	}))
	stats, err := store.Stats(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Failed != 1 || stats.OldestUpdatedAt != 10 || stats.NewestUpdatedAt != 40 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	drv.AssertConsumed(t)
}

func TestBuildFilterClauseEmpty(t *testing.T) {
	clause, args := buildFilterClause(ListOptions{})
	if clause != "" || args != nil {
		t.Fatalf("expected empty clause, got %q %v", clause, args)
	}
	hasResult := false
	clause, _ = buildFilterClause(ListOptions{HasResult: &hasResult})
	if clause != "(result IS NULL OR result = '')" {
		t.Fatalf("unexpected clause: %q", clause)
	}
}
