package task

import (
	"strings"

	xerrors "ChainSage/internal/errors"
)

// 以下方法集中描述任务状态机，两种 Store 共用同一套规则。

// prepareNew 校验待创建的任务并写入时间戳。
func prepareNew(task *Task, now int64) error {
	switch {
	case task == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	case strings.TrimSpace(task.ID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return nil
}

// claimable 说明任务为什么不能被领取；可领取时返回 nil。
func (t *Task) claimable() error {
	switch {
	case t.Status == StatusSucceeded:
		return ErrTaskCompleted
	case t.Status == StatusRunning:
		return ErrTaskConflict
	case t.Status == StatusFailed, t.Attempts >= t.MaxRetries:
		return ErrTaskExhausted
	}
	return nil
}

func (t *Task) begin(now int64) {
	t.Status = StatusRunning
	t.Attempts++
	t.clearError()
	t.UpdatedAt = now
}

func (t *Task) succeed(result Result, now int64) {
	t.Status = StatusSucceeded
	t.Result = &result
	t.clearError()
	t.UpdatedAt = now
}

// fail 记录失败；非终态失败回到 pending 等待重投。
func (t *Task) fail(code xerrors.Code, message string, terminal bool, now int64) {
	t.Status = failureStatus(terminal)
	t.LastError = message
	t.ErrorCode = string(code)
	t.UpdatedAt = now
}

func (t *Task) clearError() {
	t.LastError = ""
	t.ErrorCode = ""
}

func failureStatus(terminal bool) Status {
	if terminal {
		return StatusFailed
	}
	return StatusPending
}
