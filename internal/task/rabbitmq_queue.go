package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ChainSage/internal/errors"
	"ChainSage/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// MaxPriority 大于 0 时声明优先级队列。
	MaxPriority int
}

// RabbitMQQueue 通过默认交换机投递到单个队列。
// 发布开启 publisher confirm，broker 确认后 Publish 才返回；消费手动 ack。
type RabbitMQQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	maxPriority int
	closed      chan *amqp.Error
}

// NewRabbitMQQueue 建立连接、声明队列并开启 confirm 模式。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue, maxPriority: cfg.MaxPriority}
	if q.queue == "" {
		q.queue = "chainsage.tasks"
	}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	steps := []struct {
		message string
		run     func() error
	}{
		{"设置 RabbitMQ QOS 失败", func() error {
			if cfg.Prefetch <= 0 {
				return nil
			}
			return q.ch.Qos(cfg.Prefetch, 0, false)
		}},
		{"声明 RabbitMQ 队列失败", func() error {
			_, err := q.ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, queueArgs(cfg.MaxPriority))
			return err
		}},
		{"开启 publisher confirm 失败", func() error { return q.ch.Confirm(false) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, step.message)
		}
	}
	q.closed = q.ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

func queueArgs(maxPriority int) amqp.Table {
	if maxPriority <= 0 {
		return nil
	}
	return amqp.Table{"x-max-priority": int32(min(maxPriority, maxQueuePriority))}
}

// publishing 构造持久化消息，优先级裁剪到队列声明的范围内。
func publishing(msg Message, maxPriority int) (amqp.Publishing, error) {
	body, err := encodeMessage(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TaskID,
		Timestamp:    msg.EnqueuedAt,
		Body:         body,
	}
	if maxPriority > 0 {
		pub.Priority = uint8(clampPriority(msg.Priority, maxPriority))
	}
	return pub, nil
}

func (q *RabbitMQQueue) ready() error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	return nil
}

// Publish 投递消息并等待 broker 确认，被 nack 时返回 QUEUE_FAILURE。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg Message) error {
	if err := q.ready(); err != nil {
		return err
	}
	pub, err := publishing(msg, q.maxPriority)
	if err != nil {
		return err
	}
	confirm, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, pub)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	acked, err := confirm.WaitContext(ctx)
	switch {
	case err != nil:
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 RabbitMQ 确认失败")
	case !acked:
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 拒绝了任务消息",
			xerrors.WithMetadata("task_id", msg.TaskID))
	}
	return nil
}

// Consume 启动 workerCount 个协程处理投递。处理器自行负责重投，所以消息在处理后总被确认；
// 无法解析的消息直接丢弃。ctx 结束返回 ctx.Err()，channel 被 broker 关闭时返回 QUEUE_FAILURE。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.ready(); err != nil {
		return err
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	log := logger.Named("rabbitmq_queue")
	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				q.deliver(ctx, log, d, handler)
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case amqpErr, ok := <-q.closed:
		if ok && amqpErr != nil {
			result = xerrors.Wrap(xerrors.CodeQueueFailure, amqpErr, "RabbitMQ channel 已关闭")
		} else {
			result = xerrors.Wrap(xerrors.CodeQueueFailure, errors.New("channel closed"), "RabbitMQ channel 已关闭")
		}
	}
	wg.Wait()
	return result
}

func (q *RabbitMQQueue) deliver(ctx context.Context, log *slog.Logger, d amqp.Delivery, handler Handler) {
	msg, err := decodeMessage(d.Body)
	if err != nil {
		log.Warn("丢弃无法解析的队列消息", slog.Any("error", err), slog.String("message_id", d.MessageId))
		_ = d.Nack(false, false)
		return
	}
	if msg.Priority == 0 {
		msg.Priority = int(d.Priority)
	}
	_ = handler(ctx, msg)
	if err := d.Ack(false); err != nil {
		log.Warn("确认队列消息失败", slog.Any("error", err), slog.String("task_id", msg.TaskID))
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
