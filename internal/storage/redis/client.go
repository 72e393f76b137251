package redis

import (
	"context"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ChainSage/internal/errors"
)

// Options 描述 Redis 连接参数。
type Options struct {
	Address  string
	Password string
	DB       int
}

// NewClient 创建客户端并执行一次 PING。
func NewClient(ctx context.Context, opts Options) (*goredis.Client, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}
