package openai

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Flavor 区分 OpenAI 协议的两种鉴权与路径风格。
type Flavor string

const (
	FlavorOpenAI Flavor = "openai"
	// FlavorAzure 使用 api-key 头，并把模型名当作 deployment 名。
	FlavorAzure Flavor = "azure"
)

// Config 描述一个 OpenAI 兼容的 Chat Completions 端点。
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Organization string
	Flavor       Flavor
	Timeout      time.Duration
	Temperature  float32
	// MaxTokens 限制回复长度，0 表示由服务端决定。
	MaxTokens int
}

// Client 基于 go-openai，适用于 OpenAI、Azure OpenAI 与各类兼容网关。
type Client struct {
	api         *goopenai.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewClient(cfg Config) (*Client, error) {
	return newClient(cfg, nil)
}

func (cfg Config) clientConfig(apiKey string, hc *http.Client) goopenai.ClientConfig {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	var cc goopenai.ClientConfig
	if cfg.Flavor == FlavorAzure {
		cc = goopenai.DefaultAzureConfig(apiKey, baseURL)
	} else {
		cc = goopenai.DefaultConfig(apiKey)
		cc.BaseURL = baseURL
	}
	cc.OrgID = strings.TrimSpace(cfg.Organization)
	cc.HTTPClient = hc
	return cc
}

func newClient(cfg Config, hc *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供模型 API Key")
	}
	switch cfg.Flavor {
	case "", FlavorOpenAI, FlavorAzure:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的接口风格: "+string(cfg.Flavor))
	}
	if hc == nil {
		hc = &http.Client{}
	}
	hc.Timeout = cfg.Timeout
	if hc.Timeout <= 0 {
		hc.Timeout = defaultTimeout
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	return &Client{
		api:         goopenai.NewClientWithConfig(cfg.clientConfig(apiKey, hc)),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *Client) request(messages []llm.Message) goopenai.ChatCompletionRequest {
	turns := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		turns[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    turns,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
}

// Chat 发送一轮请求并原样返回全部候选。
func (c *Client) Chat(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(messages))
	if err != nil {
		return nil, classify(ctx, err)
	}
	out := &llm.Completion{ID: resp.ID, Model: resp.Model, Choices: make([]llm.Choice, len(resp.Choices))}
	for i, choice := range resp.Choices {
		out.Choices[i] = llm.Choice{
			Index:   choice.Index,
			Message: llm.Message{Role: choice.Message.Role, Content: choice.Message.Content},
		}
	}
	return out, nil
}

// classify 把接口错误映射为统一错误。除 408 与 429 外的 4xx 不会因重试而改变结果。
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "模型接口超时")
	}
	var apiErr *goopenai.APIError
	if !errors.As(err, &apiErr) {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用模型接口失败")
	}
	status := apiErr.HTTPStatusCode
	opts := []xerrors.Option{xerrors.WithMetadata("status", strconv.Itoa(status))}
	if apiErr.Type != "" {
		opts = append(opts, xerrors.WithMetadata("type", apiErr.Type))
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "模型接口暂时不可用", opts...)
	case status >= 400:
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "模型接口拒绝请求", append(opts, xerrors.WithRetryable(false))...)
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用模型接口失败", opts...)
}
