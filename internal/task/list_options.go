package task

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是 Store.List / Store.Stats 的过滤条件。时间范围为 Unix 秒，0 表示不限。
// Stats 忽略分页与排序。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	// Query 对 id、查询、钱包、链和最后错误做不区分大小写的子串匹配。
	Query string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只保留指定状态，未知状态会被丢弃。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithUpdatedSince 与 WithUpdatedUntil 均为闭区间，零值表示取消该边界。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按任务是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

func (o *ListOptions) normalize() {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	o.Limit = min(o.Limit, maxListLimit)
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Query = strings.TrimSpace(o.Query)

	var statuses []Status
	for _, status := range o.Statuses {
		if IsValidStatus(status) && !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	o.Statuses = statuses
}

// matches 判断任务是否满足除分页外的全部条件。
func (o ListOptions) matches(task *Task) bool {
	switch {
	case len(o.Statuses) > 0 && !slices.Contains(o.Statuses, task.Status):
		return false
	case o.UpdatedGTE > 0 && task.UpdatedAt < o.UpdatedGTE:
		return false
	case o.UpdatedLTE > 0 && task.UpdatedAt > o.UpdatedLTE:
		return false
	case o.HasResult != nil && taskHasResult(task) != *o.HasResult:
		return false
	case o.Query != "":
		return containsFold(o.Query, task.ID, task.Query, task.WalletAddress, task.ChainID, task.LastError)
	}
	return true
}

func containsFold(needle string, fields ...string) bool {
	needle = strings.ToLower(needle)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// sortTasks 依次按 UpdatedAt、CreatedAt、ID 排序，方向由 Order 决定。
func (o ListOptions) sortTasks(tasks []*Task) {
	slices.SortFunc(tasks, func(a, b *Task) int {
		c := cmp.Or(
			cmp.Compare(a.UpdatedAt, b.UpdatedAt),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			strings.Compare(a.ID, b.ID),
		)
		if o.Order == SortByUpdatedDesc {
			return -c
		}
		return c
	})
}

func (o ListOptions) page(tasks []*Task) []*Task {
	if o.Offset >= len(tasks) {
		return []*Task{}
	}
	end := min(o.Offset+o.Limit, len(tasks))
	return tasks[o.Offset:end]
}
