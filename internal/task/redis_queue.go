package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/storage/redis"
	"ChainSage/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 sorted set 实现优先级队列：ZADD 入队，BZPOPMIN 阻塞出队。
// score 由优先级和入队时间组成，高优先级先出，同优先级先入先出。
type RedisQueue struct {
	client *goredis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	client, err := redis.NewClient(ctx, redis.Options{Address: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return nil, err
	}
	q := &RedisQueue{client: client, key: cfg.Queue, wait: cfg.BlockWait}
	if q.key == "" {
		q.key = "chainsage:tasks"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q, nil
}

// priorityScore 把优先级放在高位、入队毫秒数放在低位，保证在 float64 精度内有序。
func priorityScore(msg Message) float64 {
	enqueued := msg.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = time.Now()
	}
	return float64(-clampPriority(msg.Priority, maxQueuePriority))*1e13 + float64(enqueued.UnixMilli())
}

// Publish 将任务写入 sorted set。
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	member := goredis.Z{Score: priorityScore(msg), Member: body}
	if err := q.client.ZAdd(ctx, q.key, member).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程阻塞出队。任一协程遇到连接错误时其余协程随之退出，
// 返回该错误；ctx 结束时返回 ctx.Err()。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				cancel(err)
			}
		}()
	}
	wg.Wait()
	return context.Cause(ctx)
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	log := logger.Named("redis_queue")
	for ctx.Err() == nil {
		popped, err := q.client.BZPopMin(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}
		body, _ := popped.Member.(string)
		msg, err := decodeMessage([]byte(body))
		if err != nil {
			log.Warn("丢弃无法解析的队列消息", slog.Any("error", err))
			continue
		}
		// 失败重试由处理器重新投递。
		_ = handler(ctx, msg)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
