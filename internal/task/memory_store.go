package task

import (
	"context"
	"sync"
	"time"

	xerrors "ChainSage/internal/errors"
)

// MemoryStore 把任务保存在进程内，适合单机部署与测试。读写都返回副本。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if err := prepareNew(task, m.now().Unix()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// update 在写锁内对任务执行 fn，返回修改后的副本。fn 返回错误时任务保持不变。
func (m *MemoryStore) update(id string, fn func(task *Task, now int64) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(task, m.now().Unix()); err != nil {
		return cloneTask(task), err
	}
	return cloneTask(task), nil
}

func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(task *Task, now int64) error {
		if err := task.claimable(); err != nil {
			return err
		}
		task.begin(now)
		return nil
	})
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	_, err := m.update(id, func(task *Task, now int64) error {
		task.succeed(result, now)
		return nil
	})
	return err
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.update(id, func(task *Task, now int64) error {
		task.fail(code, lastError, terminal, now)
		return nil
	})
	return err
}

// snapshot 返回满足过滤条件的任务副本，顺序未定义。
func (m *MemoryStore) snapshot(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	tasks := m.snapshot(opts)
	opts.sortTasks(tasks)
	return opts.page(tasks), nil
}

func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	var stats TaskStats
	for _, task := range m.snapshot(opts) {
		stats.add(task)
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
