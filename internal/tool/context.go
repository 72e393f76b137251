package tool

import "time"

const (
	DefaultPriority   = 1
	DefaultMaxRetries = 3
	DefaultTimeout    = 30 * time.Second
)

// ExecutionContext 携带一次计划执行共享的环境信息。构建后只读。
type ExecutionContext struct {
	WalletAddress string        `json:"walletAddress,omitempty"`
	ChainID       string        `json:"chainId,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Priority      int           `json:"priority"`
	MaxRetries    int           `json:"maxRetries"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultExecutionContext 返回进程级默认上下文。
func DefaultExecutionContext() ExecutionContext {
	return ExecutionContext{
		Priority:   DefaultPriority,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
	}
}

// ContextOption 在默认上下文之上覆盖单个字段。
type ContextOption func(*ExecutionContext)

func WithWallet(address string) ContextOption {
	return func(c *ExecutionContext) { c.WalletAddress = address }
}

func WithChainID(chainID string) ContextOption {
	return func(c *ExecutionContext) { c.ChainID = chainID }
}

func WithPriority(priority int) ContextOption {
	return func(c *ExecutionContext) { c.Priority = priority }
}

// WithMaxRetries 设置最大重试次数；0 表示只尝试一次。
func WithMaxRetries(n int) ContextOption {
	return func(c *ExecutionContext) { c.MaxRetries = n }
}

func WithTimeout(d time.Duration) ContextOption {
	return func(c *ExecutionContext) { c.Timeout = d }
}

func WithTimestamp(ts time.Time) ContextOption {
	return func(c *ExecutionContext) { c.Timestamp = ts }
}

// Merge 将覆盖项按顺序应用到 base 的副本上。
func Merge(base ExecutionContext, opts ...ContextOption) ExecutionContext {
	merged := base
	for _, opt := range opts {
		if opt != nil {
			opt(&merged)
		}
	}
	return merged
}
