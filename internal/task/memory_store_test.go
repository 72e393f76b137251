package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"ChainSage/internal/tool"
)

func newTestStore(start time.Time) (*MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := start
	store.now = func() time.Time { return now }
	return store, &now
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(time.Unix(1700000000, 0))

	retries := 1
	task := &Task{
		ID:         "t1",
		Query:      "balance of my wallet",
		Status:     StatusPending,
		MaxRetries: 2,
		Options: Options{
			Arguments:   map[string]tool.Args{"get_balance": {tool.String("0xabc")}},
			ToolRetries: &retries,
		},
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, task); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected running task to conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, "t1")
	if got.Status != StatusPending || got.LastError != "boom" || got.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("unexpected retry state: %+v", got)
	}

	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t1", Result{RunID: "t1-2", PlanID: "plan"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, _ = store.Get(ctx, "t1")
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.RunID != "t1-2" || got.LastError != "" {
		t.Fatalf("unexpected final state: %+v", got)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	// 返回的副本不应影响存储内容。
	got.Options.Arguments["get_balance"][0] = tool.String("mutated")
	*got.Options.ToolRetries = 9
	again, _ := store.Get(ctx, "t1")
	if again.Options.Arguments["get_balance"].StringAt(0) != "0xabc" || *again.Options.ToolRetries != 1 {
		t.Fatalf("store leaked internal state: %+v", again.Options)
	}
}

func TestMemoryStoreClaimExhausted(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(time.Unix(1700000000, 0))
	if err := store.Create(ctx, &Task{ID: "t", Query: "q", Status: StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "t"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "t", CodeTaskProcessing, "x", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t"); !stdErrors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", CodeTaskProcessing, "x", true); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store, now := newTestStore(time.Unix(1000, 0))

	for i, seed := range []struct {
		id     string
		query  string
		status Status
	}{
		{"a", "ETH balance", StatusPending},
		{"b", "gas price", StatusSucceeded},
		{"c", "eth block", StatusFailed},
	} {
		*now = time.Unix(int64(1000+i*10), 0)
		if err := store.Create(ctx, &Task{ID: seed.id, Query: seed.query, Status: seed.status, MaxRetries: 3}); err != nil {
			t.Fatalf("create %s: %v", seed.id, err)
		}
	}
	*now = time.Unix(1100, 0)
	if err := store.MarkSucceeded(ctx, "b", Result{RunID: "b-1"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	tasks, err := store.List(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != "b" || tasks[1].ID != "c" || tasks[2].ID != "a" {
		t.Fatalf("unexpected order: %v", ids(tasks))
	}

	tasks, _ = store.List(ctx, buildListOptions([]ListOption{WithQuery("ETH"), WithSortOrder(SortByUpdatedAsc)}))
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "c" {
		t.Fatalf("unexpected query match: %v", ids(tasks))
	}

	tasks, _ = store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if len(tasks) != 1 || tasks[0].ID != "b" {
		t.Fatalf("unexpected result filter: %v", ids(tasks))
	}

	tasks, _ = store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if len(tasks) != 1 || tasks[0].ID != "c" {
		t.Fatalf("unexpected page: %v", ids(tasks))
	}

	stats, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending, StatusFailed, "bogus")}))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Failed != 1 || stats.OldestUpdatedAt != 1000 || stats.NewestUpdatedAt != 1020 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestTaskClaimable(t *testing.T) {
	cases := []struct {
		name string
		task Task
		want error
	}{
		{"pending", Task{Status: StatusPending, MaxRetries: 2}, nil},
		{"retry left", Task{Status: StatusPending, Attempts: 1, MaxRetries: 2}, nil},
		{"no attempts left", Task{Status: StatusPending, Attempts: 2, MaxRetries: 2}, ErrTaskExhausted},
		{"running", Task{Status: StatusRunning, MaxRetries: 2}, ErrTaskConflict},
		{"succeeded", Task{Status: StatusSucceeded, MaxRetries: 2}, ErrTaskCompleted},
		{"failed", Task{Status: StatusFailed, MaxRetries: 2}, ErrTaskExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.claimable()
			if tc.want == nil && err != nil || tc.want != nil && !stdErrors.Is(err, tc.want) {
				t.Fatalf("claimable() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateRejectsBlankID(t *testing.T) {
	store, _ := newTestStore(time.Unix(1, 0))
	if err := store.Create(context.Background(), &Task{ID: "  ", Query: "q"}); err == nil {
		t.Fatalf("expected blank id to be rejected")
	}
}
