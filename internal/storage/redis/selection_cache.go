package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ChainSage/internal/llm"
	"ChainSage/pkg/logger"
)

// DefaultCacheTTL 是未配置时的缓存有效期。
const DefaultCacheTTL = 5 * time.Minute

// KV 是缓存所需的最小 Redis 能力，*goredis.Client 满足该接口。
type KV interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// SelectionCache 缓存工具选择请求的模型回复。
// 相同的消息列表在 TTL 内直接返回缓存的 Completion，Redis 故障时回落到被包装的客户端。
type SelectionCache struct {
	next   llm.ChatClient
	kv     KV
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// CacheOption 定义可选配置。
type CacheOption func(*SelectionCache)

// WithTTL 设置缓存有效期。
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *SelectionCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrefix 设置键前缀。
func WithPrefix(prefix string) CacheOption {
	return func(c *SelectionCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithCacheLogger 指定日志输出。
func WithCacheLogger(log *slog.Logger) CacheOption {
	return func(c *SelectionCache) {
		if log != nil {
			c.log = log
		}
	}
}

// NewSelectionCache 包装 next。
func NewSelectionCache(next llm.ChatClient, kv KV, opts ...CacheOption) *SelectionCache {
	c := &SelectionCache{
		next:   next,
		kv:     kv,
		ttl:    DefaultCacheTTL,
		prefix: "chainsage:selection:",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = logger.Named("selection_cache")
	}
	return c
}

// Chat 先查缓存，未命中时调用下游并回写。
func (c *SelectionCache) Chat(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	key, err := c.Key(messages)
	if err != nil {
		return c.next.Chat(ctx, messages)
	}

	raw, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached llm.Completion
		if decodeErr := json.Unmarshal(raw, &cached); decodeErr == nil {
			c.log.Debug("selection cache hit", slog.String("key", key))
			return &cached, nil
		}
		c.log.Warn("selection cache entry corrupt", slog.String("key", key))
	case errors.Is(err, goredis.Nil):
	default:
		c.log.Warn("selection cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	completion, err := c.next.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	if completion == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(completion)
	if err != nil {
		return completion, nil
	}
	if err := c.kv.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.log.Warn("selection cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return completion, nil
}

// Key 返回消息列表对应的缓存键。
func (c *SelectionCache) Key(messages []llm.Message) (string, error) {
	encoded, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return c.prefix + hex.EncodeToString(sum[:]), nil
}

var _ llm.ChatClient = (*SelectionCache)(nil)
