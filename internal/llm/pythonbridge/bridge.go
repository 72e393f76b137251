package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/llm"
)

const (
	defaultInterpreter = "python3"
	// stderr 只保留末尾部分写入错误元数据。
	maxStderrTail = 2048
)

// Client 把工具选择委托给本地脚本，实现 llm.ChatClient。
//
// 协议：stdin 写入 selectorRequest 的 JSON，stdout 读取 chat completion。
// 脚本只输出 {"content":"..."} 时包装为单个候选。
type Client struct {
	interpreter string
	script      string
	dir         string
	timeout     time.Duration
	env         []string
	now         func() time.Time
}

// Option 调整 Client。
type Option func(*Client)

// WithInterpreter 指定解释器，空值保留默认的 python3。
func WithInterpreter(path string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(path); p != "" {
			c.interpreter = p
		}
	}
}

// WithWorkingDir 设置脚本的工作目录。
func WithWorkingDir(dir string) Option {
	return func(c *Client) { c.dir = dir }
}

// WithTimeout 限制单次调用时长，<=0 表示只受调用方 ctx 约束。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithEnv 追加 KEY=VALUE 形式的环境变量，进程环境会被继承。
func WithEnv(kv ...string) Option {
	return func(c *Client) { c.env = append(c.env, kv...) }
}

// NewClient 以脚本路径创建客户端。
func NewClient(script string, opts ...Option) (*Client, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	c := &Client{interpreter: defaultInterpreter, script: script, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type selectorRequest struct {
	Messages  []llm.Message `json:"messages"`
	Timestamp int64         `json:"timestamp"`
}

type selectorReply struct {
	llm.Completion
	Content string `json:"content"`
}

func (r selectorReply) completion() *llm.Completion {
	if len(r.Choices) == 0 && r.Content != "" {
		return llm.StaticReply(r.Content)
	}
	out := r.Completion
	return &out
}

// Chat 运行脚本一次。超时返回 TIMEOUT，非零退出码返回 UPSTREAM_FAILURE，
// 输出无法解析时不可重试。
func (c *Client) Chat(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	payload, err := json.Marshal(selectorRequest{Messages: messages, Timestamp: c.now().Unix()})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stdout, stderr, runErr := c.run(ctx, payload)
	if runErr != nil {
		return nil, c.classify(ctx, runErr, stderr)
	}

	var reply selectorReply
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &reply); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 Python 输出失败",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("script", c.script))
	}
	return reply.completion(), nil
}

func (c *Client) run(ctx context.Context, stdin []byte) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, c.interpreter, c.script)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(stdin)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.Bytes(), tail(errOut.String(), maxStderrTail), err
}

func (c *Client) classify(ctx context.Context, err error, stderr string) error {
	meta := []xerrors.Option{
		xerrors.WithMetadata("script", c.script),
		xerrors.WithMetadata("stderr", stderr),
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "Python 脚本执行超时", meta...)
	case ctx.Err() != nil:
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, ctx.Err(), "Python 脚本调用被取消",
			append(meta, xerrors.WithRetryable(false))...)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		meta = append(meta, xerrors.WithMetadata("exit_code", strconv.Itoa(exitErr.ExitCode())))
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "执行 Python 脚本失败", meta...)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ResolveScriptPath 把相对脚本路径拼到 baseDir 下。
func ResolveScriptPath(baseDir, script string) string {
	switch {
	case script == "":
		return ""
	case filepath.IsAbs(script), baseDir == "":
		return script
	default:
		return filepath.Join(baseDir, script)
	}
}
