package task

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "ChainSage/internal/errors"
)

// Handler 处理来自消息队列的任务消息。
type Handler func(ctx context.Context, msg Message) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// maxQueuePriority 与 RabbitMQ x-max-priority 的上限一致。
const maxQueuePriority = 255

// clampPriority 把优先级限制在 [0, limit]，limit 超过 maxQueuePriority 时按上限处理。
func clampPriority(priority, limit int) int {
	limit = min(limit, maxQueuePriority)
	return max(0, min(priority, limit))
}

func encodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码任务消息失败")
	}
	return data, nil
}

// decodeMessage 也接受只包含任务 ID 的纯文本消息。
func decodeMessage(body []byte) (Message, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return Message{}, xerrors.New(xerrors.CodeQueueFailure, "空的任务消息")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Message{TaskID: trimmed}, nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务消息失败")
	}
	if msg.TaskID == "" {
		return Message{}, xerrors.New(xerrors.CodeQueueFailure, "任务消息缺少 task_id")
	}
	return msg, nil
}
