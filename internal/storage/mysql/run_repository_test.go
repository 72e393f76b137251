package mysql

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/storage/mysql/mysqltest"
)

func TestMemoryRunRepositoryPersistsAndRestores(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		record := RunRecord{
			ID:              id,
			PlanID:          "plan-" + id,
			Query:           "balance?",
			Tools:           []string{"get_native_balance"},
			SuccessfulTools: []string{"get_native_balance"},
			FailedTools:     []string{},
			Summary:         json.RawMessage(`{"planId":"x"}`),
			CreatedAt:       int64(100 + i),
		}
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != "run-3" || latest[1].ID != "run-2" {
		t.Fatalf("unexpected order: %+v", latest)
	}

	reopened, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	all, err := reopened.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list after reopen failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-3" || all[2].ID != "run-1" {
		t.Fatalf("unexpected restored records: %+v", all)
	}
	if string(all[0].Summary) != `{"planId":"x"}` {
		t.Fatalf("summary not restored: %s", all[0].Summary)
	}
}

func TestMemoryRunRepositorySkipsCorruptLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := "{\"id\":\"ok\",\"query\":\"q\"}\nnot-json\n"
	if err := os.WriteFile(filepath.Join(dir, "runs.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	records, _ := repo.ListLatest(context.Background(), 10)
	if len(records) != 1 || records[0].ID != "ok" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestMemoryRunRepositoryRejectsMissingID(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryRunRepository(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	err = repo.Save(context.Background(), RunRecord{Query: "q"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSQLRunRepositorySave(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.NewDB(t, mysqltest.Exec(insertRunSQL, mysqltest.Result{Affected: 1}))
	defer drv.AssertConsumed(t)

	repo := NewSQLRunRepositoryWithDB(db)
	err := repo.Save(context.Background(), RunRecord{
		ID:               "run-1",
		PlanID:           "plan-1",
		Query:            "what is my balance",
		WalletAddress:    "0xabc",
		Tools:            []string{"a", "b"},
		SuccessfulTools:  []string{"a"},
		FailedTools:      []string{"b"},
		TotalExecutionMS: 42,
		CreatedAt:        1700000000,
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	args := drv.ArgsAt(0)
	if len(args) != 12 {
		t.Fatalf("expected 12 args, got %d", len(args))
	}
	if args[5] != `["a","b"]` || args[7] != `["b"]` {
		t.Fatalf("unexpected encoded tool lists: %v %v", args[5], args[7])
	}
	if args[9] != nil {
		t.Fatalf("empty summary should be stored as NULL, got %v", args[9])
	}
}

func TestSQLRunRepositorySaveWrapsDriverError(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.NewDB(t, mysqltest.Exec(insertRunSQL, mysqltest.Result{}).WithErr(errors.New("boom")))
	defer drv.AssertConsumed(t)

	err := NewSQLRunRepositoryWithDB(db).Save(context.Background(), RunRecord{ID: "run-1"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSQLRunRepositoryListLatest(t *testing.T) {
	t.Parallel()

	columns := []string{"id", "plan_id", "query", "wallet_address", "chain_id", "tools", "successful_tools", "failed_tools", "total_execution_ms", "summary", "answer", "created_at"}
	rows := mysqltest.Rows{
		Columns: columns,
		Values: [][]driver.Value{
			{"run-2", "plan-2", "q2", "", "", `["a"]`, `["a"]`, `[]`, int64(5), `{"planId":"plan-2"}`, "done", int64(200)},
			{"run-1", "plan-1", "q1", "0xabc", "local", `["b"]`, `[]`, `["b"]`, int64(9), nil, nil, int64(100)},
		},
	}
	db, drv := mysqltest.NewDB(t, mysqltest.Query(selectRunsSQL, rows))
	defer drv.AssertConsumed(t)

	records, err := NewSQLRunRepositoryWithDB(db).ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Answer != "done" || string(records[0].Summary) != `{"planId":"plan-2"}` {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].FailedTools[0] != "b" || records[1].Summary != nil {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
	if limit := drv.ArgsAt(0); len(limit) != 1 || limit[0] != int64(20) {
		t.Fatalf("expected default limit 20, got %v", limit)
	}
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	files, err := Migrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}

	ops := []mysqltest.Op{
		mysqltest.Exec(createMigrationsTable, mysqltest.Result{}),
		mysqltest.Query(selectAppliedMigrations, mysqltest.Rows{
			Columns: []string{"version", "checksum"},
			Values:  [][]driver.Value{{files[0].Version, files[0].Checksum}},
		}),
	}
	for _, file := range files[1:] {
		ops = append(ops, mysqltest.Begin())
		for _, stmt := range file.Statements {
			ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
		}
		ops = append(ops,
			mysqltest.Exec(insertAppliedMigration, mysqltest.Result{Affected: 1}),
			mysqltest.Commit(),
		)
	}
	db, drv := mysqltest.NewDB(t, ops...)
	defer drv.AssertConsumed(t)

	applied, err := ApplyMigrations(context.Background(), db)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if len(applied) != len(files)-1 || applied[0].Version != files[1].Version {
		t.Fatalf("unexpected applied migrations %+v", applied)
	}
}

func TestMigrateRejectsChangedChecksum(t *testing.T) {
	t.Parallel()

	files, err := Migrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec("", mysqltest.Result{}),
		mysqltest.Query(selectAppliedMigrations, mysqltest.Rows{
			Columns: []string{"version", "checksum"},
			Values:  [][]driver.Value{{files[0].Version, "deadbeef"}},
		}),
	)
	defer drv.AssertConsumed(t)

	err = Migrate(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable storage failure, got %v", err)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	files, err := Migrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ops := []mysqltest.Op{
		mysqltest.Exec("", mysqltest.Result{}),
		mysqltest.Query(selectAppliedMigrations, mysqltest.Rows{Columns: []string{"version", "checksum"}}),
		mysqltest.Begin(),
		mysqltest.Exec(files[0].Statements[0], mysqltest.Result{}).WithErr(errors.New("syntax error")),
		mysqltest.Rollback(),
	}
	db, drv := mysqltest.NewDB(t, ops...)
	defer drv.AssertConsumed(t)

	err = Migrate(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSplitStatementsDropsComments(t *testing.T) {
	t.Parallel()

	stmts := splitStatements("-- header\nCREATE TABLE a (id INT);\n\n-- next\nCREATE TABLE b (id INT); INSERT INTO b VALUES (1);\n")
	if len(stmts) != 3 || stmts[0] != "CREATE TABLE a (id INT)" || stmts[2] != "INSERT INTO b VALUES (1)" {
		t.Fatalf("unexpected statements: %q", stmts)
	}
	if v := migrationVersion("0002_create_task_states.sql"); v != "0002" {
		t.Fatalf("unexpected version: %s", v)
	}
	if v := migrationVersion("seed.sql"); v != "seed" {
		t.Fatalf("unexpected version: %s", v)
	}
}

func TestOpenUsesConfiguredDriver(t *testing.T) {
	t.Parallel()

	drv := mysqltest.New()
	name := mysqltest.DriverName(drv)
	db, err := Open(context.Background(), Config{Driver: name})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()
	if stats := db.Stats(); stats.MaxOpenConnections != 20 {
		t.Fatalf("expected default pool size 20, got %d", stats.MaxOpenConnections)
	}

	if _, err := Open(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty DSN, got %v", err)
	}
}

func TestNormalizeDSN(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN("user:pw@tcp(db:3306)/chainsage")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(dsn, "timeout=5s") {
		t.Fatalf("expected default dial timeout in %q", dsn)
	}
	dsn, _ = normalizeDSN("user:pw@tcp(db:3306)/chainsage?timeout=2s")
	if !strings.Contains(dsn, "timeout=2s") {
		t.Fatalf("explicit timeout should be kept, got %q", dsn)
	}
	if _, err := normalizeDSN("user:pw@tcp(db:3306)"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid DSN error, got %v", err)
	}
}
